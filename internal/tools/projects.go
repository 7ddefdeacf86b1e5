package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/models"
)

// ProjectTools exposes the project cache to MCP clients.
type ProjectTools struct {
	Cache *cache.Cache
}

// --- Input types ---

type ListProjectsInput struct {
	Pin string `json:"pin,omitempty" jsonschema:"Optional name fragment; matching projects are listed first"`
}

type GetProjectFilesInput struct {
	ProjectPath string `json:"project_path" jsonschema:"Absolute path of a registered project"`
	Path        string `json:"path,omitempty" jsonschema:"Directory inside the project, defaults to the root"`
}

type ReadProjectFileInput struct {
	ProjectPath string `json:"project_path" jsonschema:"Absolute path of a registered project"`
	Path        string `json:"path" jsonschema:"File path inside the project, e.g. /src/main.go"`
}

// --- Handlers ---

func (t *ProjectTools) ListProjects(_ context.Context, _ *mcp.CallToolRequest, input ListProjectsInput) (*mcp.CallToolResult, any, error) {
	projects := t.Cache.GetProjects()
	if input.Pin != "" {
		models.SortForDisplay(projects, input.Pin)
	}
	return toolJSON(projects)
}

func (t *ProjectTools) GetProjectFiles(_ context.Context, _ *mcp.CallToolRequest, input GetProjectFilesInput) (*mcp.CallToolResult, any, error) {
	if input.ProjectPath == "" {
		return toolError("project_path is required"), nil, nil
	}
	if _, ok := t.Cache.GetProject(input.ProjectPath); !ok {
		return toolError("Project %q is not registered", input.ProjectPath), nil, nil
	}
	return toolJSON(t.Cache.GetFiles(input.Path, input.ProjectPath))
}

func (t *ProjectTools) ReadProjectFile(_ context.Context, _ *mcp.CallToolRequest, input ReadProjectFileInput) (*mcp.CallToolResult, any, error) {
	if input.ProjectPath == "" || input.Path == "" {
		return toolError("project_path and path are required"), nil, nil
	}
	content, err := t.Cache.GetFileContent(input.Path, input.ProjectPath)
	switch {
	case errors.Is(err, cache.ErrNoContent):
		return toolText(fmt.Sprintf("%s was registered without content.", input.Path)), nil, nil
	case err != nil:
		return toolError("Failed to read %s: %v", input.Path, err), nil, nil
	}
	return toolText(content), nil, nil
}

// --- Helpers ---

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
