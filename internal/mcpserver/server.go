// Package mcpserver exposes a thought space to MCP clients over stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/intent"
)

// New returns a server with the read tools and, when producer is non-nil,
// the write tools registered.
func New(version string, store *engine.Store, producer *intent.Producer) *server.MCPServer {
	s := server.NewMCPServer(
		"thoughtspace",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	RegisterReadTools(s, store)
	if producer != nil {
		RegisterWriteTools(s, store, producer)
	}
	return s
}

// Serve runs s on stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}
