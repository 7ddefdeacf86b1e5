package relay

import (
	"encoding/json"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

// Inbound event names.
const (
	EventRegister                 = "register"
	EventGetProjects              = "getProjects"
	EventSetProject               = "setProject"
	EventRegisterProjects         = "registerProjects"
	EventGetFiles                 = "getFiles"
	EventGetFileContent           = "getFileContent"
	EventChat                     = "chat"
	EventGetConversationHistory   = "getConversationHistory"
	EventClearConversationHistory = "clearConversationHistory"
	EventApplyCode                = "applyCode"
)

// Outbound event names.
const (
	EventProjects                   = "projects"
	EventProjectChanged             = "project:changed"
	EventProjectsRegistered         = "projectsRegistered"
	EventFiles                      = "files"
	EventFileContent                = "fileContent"
	EventAIResponse                 = "aiResponse"
	EventConversationHistory        = "conversationHistory"
	EventConversationHistoryCleared = "conversationHistoryCleared"
	EventFileApply                  = "file:apply"
	EventCodeApplied                = "codeApplied"
	EventError                      = "error"
)

// forwardRoutes maps relay-only inbound events to the tag they are
// re-broadcast under. Requests go out to the editor side; results come back
// under the tag the requester listens for. None of them touch the cache.
var forwardRoutes = map[string]string{
	"terminal":          "terminal:exec",
	"terminal:response": "terminalOutput",
	"gitStatus":         "git:status",
	"gitCommit":         "git:commit",
	"gitPush":           "git:push",
	"git:statusResult":  "gitStatusResult",
	"git:commitResult":  "gitCommitResult",
	"git:pushResult":    "gitPushResult",
	"deleteFile":        "file:delete",
	"deleteFolder":      "folder:delete",
	"delete:result":     "deleteResult",
}

// ForwardTag returns the outbound tag for a relay-only event.
func ForwardTag(event string) (string, bool) {
	tag, ok := forwardRoutes[event]
	return tag, ok
}

// Inbound is a frame received from a client.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is a frame sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// --- Payloads ---

type registerPayload struct {
	Type string `json:"type"`
}

type setProjectPayload struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Folder string `json:"folder,omitempty"`
}

type registerProjectsPayload struct {
	Projects *[]*models.Project `json:"projects"`
}

type projectsRegistered struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

type filesRequest struct {
	Path        string `json:"path"`
	ProjectPath string `json:"projectPath,omitempty"`
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type chatPayload struct {
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
}

type aiResponse struct {
	Content    string             `json:"content"`
	CodeBlocks []models.CodeBlock `json:"codeBlocks,omitempty"`
}

type historyRequest struct {
	ProjectPath string `json:"projectPath"`
}

type conversationHistory struct {
	Messages    []models.ChatMessage `json:"messages"`
	ProjectPath string               `json:"projectPath"`
	Error       string               `json:"error,omitempty"`
}

type historyCleared struct {
	Success bool   `json:"success"`
	Deleted int64  `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

type applyCodePayload struct {
	Code        string `json:"code"`
	FilePath    string `json:"filePath"`
	ProjectPath string `json:"projectPath"`
}

type codeApplied struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// decode unmarshals an optional payload; an empty payload leaves v zeroed.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
