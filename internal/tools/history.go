package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

// HistoryStore is the chat-history side of the store.
type HistoryStore interface {
	ListMessages(ctx context.Context, projectPath string, limit int) ([]models.ChatMessage, error)
	ClearMessages(ctx context.Context, projectPath string) (int64, error)
}

// HistoryTools exposes per-project chat history.
type HistoryTools struct {
	Store HistoryStore
}

type GetConversationHistoryInput struct {
	ProjectPath string `json:"project_path" jsonschema:"Project whose conversation to read"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Return only the most recent N messages (0 = all)"`
}

type ClearConversationHistoryInput struct {
	ProjectPath string `json:"project_path" jsonschema:"Project whose conversation to delete"`
}

func (t *HistoryTools) GetConversationHistory(ctx context.Context, _ *mcp.CallToolRequest, input GetConversationHistoryInput) (*mcp.CallToolResult, any, error) {
	if input.ProjectPath == "" {
		return toolError("project_path is required"), nil, nil
	}
	if input.Limit < 0 {
		return toolError("limit must not be negative"), nil, nil
	}
	msgs, err := t.Store.ListMessages(ctx, input.ProjectPath, input.Limit)
	if err != nil {
		return toolError("Failed to load history: %v", err), nil, nil
	}
	return toolJSON(msgs)
}

func (t *HistoryTools) ClearConversationHistory(ctx context.Context, _ *mcp.CallToolRequest, input ClearConversationHistoryInput) (*mcp.CallToolResult, any, error) {
	if input.ProjectPath == "" {
		return toolError("project_path is required"), nil, nil
	}
	n, err := t.Store.ClearMessages(ctx, input.ProjectPath)
	if err != nil {
		return toolError("Failed to clear history: %v", err), nil, nil
	}
	return toolText(fmt.Sprintf("Deleted %d messages for %s.", n, input.ProjectPath)), nil, nil
}

// Injector pushes an event to connected editors.
type Injector interface {
	Inject(event string, data json.RawMessage, targetID string) (int, error)
}

// EditorTools sends commands to connected editor extensions.
type EditorTools struct {
	Relay Injector
}

type ApplyCodeInput struct {
	ProjectPath string `json:"project_path" jsonschema:"Project the file belongs to"`
	FilePath    string `json:"file_path" jsonschema:"File to write inside the project"`
	Code        string `json:"code" jsonschema:"Full new file content"`
}

func (t *EditorTools) ApplyCode(_ context.Context, _ *mcp.CallToolRequest, input ApplyCodeInput) (*mcp.CallToolResult, any, error) {
	if input.FilePath == "" || input.Code == "" {
		return toolError("file_path and code are required"), nil, nil
	}
	data, err := json.Marshal(map[string]string{
		"code":        input.Code,
		"filePath":    input.FilePath,
		"projectPath": input.ProjectPath,
	})
	if err != nil {
		return toolError("Failed to encode change: %v", err), nil, nil
	}
	n, err := t.Relay.Inject("file:apply", data, "")
	if err != nil {
		return toolError("Failed to send change: %v", err), nil, nil
	}
	if n == 0 {
		return toolText(fmt.Sprintf("No editor connected; %s queued for polling clients.", input.FilePath)), nil, nil
	}
	return toolText(fmt.Sprintf("Sent %s to %d connected client(s).", input.FilePath, n)), nil, nil
}
