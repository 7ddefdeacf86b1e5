package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

// DBFile is the database file name inside the data directory.
const DBFile = "relay.db"

// Store persists projects and chat history in a single SQLite database.
type Store struct {
	db      *sql.DB
	dataDir string
}

// Open opens (or creates) the relay database under dataDir and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	db, err := sql.Open("sqlite3", "file:"+dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping relay db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay db: %w", err)
	}

	return &Store{db: db, dataDir: dataDir}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the base data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// --- Projects ---

// LoadProjects returns every stored project ordered by name.
func (s *Store) LoadProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, name, files, last_updated FROM projects ORDER BY name, path`,
	)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SaveProject inserts or replaces a single project by path.
func (s *Store) SaveProject(ctx context.Context, p *models.Project) error {
	files, err := encodeFiles(p.Files)
	if err != nil {
		return fmt.Errorf("encode files for %q: %w", p.Path, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (path, name, files, last_updated) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET name = excluded.name, files = excluded.files, last_updated = excluded.last_updated`,
		p.Path, p.Name, files, formatTime(p.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("save project %q: %w", p.Path, err)
	}
	return nil
}

// ReplaceProjects clears the project collection and inserts list in one
// transaction.
func (s *Store) ReplaceProjects(ctx context.Context, list []*models.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects`); err != nil {
		return fmt.Errorf("clear projects: %w", err)
	}
	for _, p := range list {
		files, err := encodeFiles(p.Files)
		if err != nil {
			return fmt.Errorf("encode files for %q: %w", p.Path, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO projects (path, name, files, last_updated) VALUES (?, ?, ?, ?)`,
			p.Path, p.Name, files, formatTime(p.LastUpdated),
		)
		if err != nil {
			return fmt.Errorf("insert project %q: %w", p.Path, err)
		}
	}
	return tx.Commit()
}

// DeleteProject removes a single project record. Deleting an unknown path is
// not an error.
func (s *Store) DeleteProject(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete project %q: %w", path, err)
	}
	return nil
}

// ClearProjects removes every project record.
func (s *Store) ClearProjects(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects`); err != nil {
		return fmt.Errorf("clear projects: %w", err)
	}
	return nil
}

// --- Chat history ---

// SaveMessage appends a chat turn to a project's history.
func (s *Store) SaveMessage(ctx context.Context, projectPath, role, content string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		ID:          uuid.New().String(),
		ProjectPath: projectPath,
		Role:        role,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, project_path, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectPath, msg.Role, msg.Content, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert %s message: %w", role, err)
	}
	return msg, nil
}

// ListMessages returns a project's history in insertion order. A positive
// limit keeps only the most recent limit turns.
func (s *Store) ListMessages(ctx context.Context, projectPath string, limit int) ([]models.ChatMessage, error) {
	query := `SELECT id, project_path, role, content, created_at FROM chat_messages
		WHERE project_path = ? ORDER BY seq`
	args := []any{projectPath}
	if limit > 0 {
		query = `SELECT id, project_path, role, content, created_at FROM (
			SELECT seq, id, project_path, role, content, created_at FROM chat_messages
			WHERE project_path = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		var created string
		if err := rows.Scan(&m.ID, &m.ProjectPath, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ClearMessages deletes a project's history and returns the number of turns
// removed.
func (s *Store) ClearMessages(ctx context.Context, projectPath string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE project_path = ?`, projectPath)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// scanProject scans a single project row.
func scanProject(rows *sql.Rows) (*models.Project, error) {
	var p models.Project
	var files sql.NullString
	var updated string
	if err := rows.Scan(&p.Path, &p.Name, &files, &updated); err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.LastUpdated = parseTime(updated)
	if files.Valid && files.String != "" {
		var root models.FileNode
		if err := json.Unmarshal([]byte(files.String), &root); err != nil {
			return nil, fmt.Errorf("decode files for %q: %w", p.Path, err)
		}
		p.Files = &root
	}
	return &p, nil
}

func encodeFiles(root *models.FileNode) (sql.NullString, error) {
	if root == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(root)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
