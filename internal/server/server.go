package server

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/tools"
)

// Deps are the components the MCP tools read from. Relay is optional; without
// it the editor tools are not registered.
type Deps struct {
	Cache   *cache.Cache
	History tools.HistoryStore
	Relay   tools.Injector
	Version string
}

// New creates a fully configured MCP server with all tools registered.
func New(deps Deps) *mcp.Server {
	pt := &tools.ProjectTools{Cache: deps.Cache}
	ht := &tools.HistoryTools{Store: deps.History}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "aether-relay",
		Version: deps.Version,
	}, nil)

	// Project cache tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_projects",
		Description: "List projects registered by connected editors",
	}, pt.ListProjects)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_project_files",
		Description: "List the entries of a directory inside a registered project",
	}, pt.GetProjectFiles)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "read_project_file",
		Description: "Read the captured content of a file inside a registered project",
	}, pt.ReadProjectFile)

	// Chat history tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_conversation_history",
		Description: "Read the assistant conversation recorded for a project, oldest first",
	}, ht.GetConversationHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "clear_conversation_history",
		Description: "Delete the assistant conversation recorded for a project (irreversible)",
	}, ht.ClearConversationHistory)

	if deps.Relay != nil {
		et := &tools.EditorTools{Relay: deps.Relay}
		mcp.AddTool(srv, &mcp.Tool{
			Name:        "apply_code",
			Description: "Send new file content to connected editors, which write it to disk",
		}, et.ApplyCode)
	}

	return srv
}
