package storage

// Schema is the SQL schema for the relay database.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    path         TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    files        TEXT NULL,
    last_updated TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    project_path TEXT NOT NULL,
    role         TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
    content      TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_project ON chat_messages(project_path, seq);
`

// dsnPragmas configures SQLite for a single-process writer with WAL.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
