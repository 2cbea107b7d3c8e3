package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/intent"
)

// RegisterWriteTools adds the tools that modify the graph. Every change is
// queued for persistence like an edit made from the command line.
func RegisterWriteTools(s *server.MCPServer, store *engine.Store, p *intent.Producer) {
	s.AddTool(addTool(), addHandler(store, p))
	s.AddTool(editTool(), editHandler(store, p))
	s.AddTool(moveTool(), moveHandler(store, p))
	s.AddTool(deleteTool(), deleteHandler(store, p))
	s.AddTool(undoTool(), undoHandler(store))
}

// cursorAddress reports where the cursor landed after a write.
func cursorAddress(s *engine.State) *mcp.CallToolResult {
	if len(s.Cursor) == 0 {
		return mcp.NewToolResultText("ok")
	}
	return mcp.NewToolResultText(graph.Address(s.Thoughts, s.Cursor))
}

// --- add ---

func addTool() mcp.Tool {
	return mcp.NewTool("add",
		mcp.WithDescription("Add a thought as the last child of parent. Returns the address of the new thought."),
		mcp.WithString("value",
			mcp.Description("Text of the new thought"),
			mcp.Required(),
		),
		mcp.WithString("parent",
			mcp.Description("Parent address. Omit for the home root."),
		),
	)
}

func addHandler(store *engine.Store, p *intent.Producer) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		value := req.GetString("value", "")
		if value == "" {
			return toolError(fmt.Errorf("value is required"))
		}
		parent := req.GetString("parent", "")
		s, err := intent.Commit(store, func(s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, parent)
			if err != nil {
				return nil, err
			}
			up, _, err := p.Create(s, at, value)
			return []engine.Update{up}, err
		})
		if err != nil {
			return toolError(err)
		}
		return cursorAddress(s), nil
	}
}

// --- edit ---

func editTool() mcp.Tool {
	return mcp.NewTool("edit",
		mcp.WithDescription("Change the text of a thought."),
		mcp.WithString("address",
			mcp.Description("Thought address"),
			mcp.Required(),
		),
		mcp.WithString("value",
			mcp.Description("New text"),
			mcp.Required(),
		),
	)
}

func editHandler(store *engine.Store, p *intent.Producer) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr := req.GetString("address", "")
		if addr == "" {
			return toolError(fmt.Errorf("address is required"))
		}
		value := req.GetString("value", "")
		s, err := intent.Commit(store, func(s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, addr)
			if err != nil {
				return nil, err
			}
			up, err := p.Edit(s, at, value)
			return []engine.Update{up}, err
		})
		if err != nil {
			return toolError(err)
		}
		return cursorAddress(s), nil
	}
}

// --- move ---

func moveTool() mcp.Tool {
	return mcp.NewTool("move",
		mcp.WithDescription("Move a thought and its subtree to the end of another parent."),
		mcp.WithString("address",
			mcp.Description("Thought to move"),
			mcp.Required(),
		),
		mcp.WithString("parent",
			mcp.Description("New parent address. Omit for the home root."),
		),
	)
}

func moveHandler(store *engine.Store, p *intent.Producer) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr := req.GetString("address", "")
		if addr == "" {
			return toolError(fmt.Errorf("address is required"))
		}
		parent := req.GetString("parent", "")
		s, err := intent.Commit(store, func(s *engine.State) ([]engine.Update, error) {
			from, err := graph.Resolve(s.Thoughts, addr)
			if err != nil {
				return nil, err
			}
			to, err := graph.Resolve(s.Thoughts, parent)
			if err != nil {
				return nil, err
			}
			parentID := graph.HomeToken
			if len(to) > 0 {
				parentID = to.Head()
			}
			up, err := p.Move(s, from, to, graph.NextRank(s.Thoughts, parentID))
			return []engine.Update{up}, err
		})
		if err != nil {
			return toolError(err)
		}
		return cursorAddress(s), nil
	}
}

// --- delete ---

func deleteTool() mcp.Tool {
	return mcp.NewTool("delete",
		mcp.WithDescription("Delete a thought and everything below it."),
		mcp.WithString("address",
			mcp.Description("Thought to delete"),
			mcp.Required(),
		),
	)
}

func deleteHandler(store *engine.Store, p *intent.Producer) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr := req.GetString("address", "")
		if addr == "" {
			return toolError(fmt.Errorf("address is required"))
		}
		s, err := intent.Commit(store, func(s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, addr)
			if err != nil {
				return nil, err
			}
			if len(at) == 0 {
				return nil, intent.ErrRoot
			}
			return p.Delete(s, at)
		})
		if err != nil {
			return toolError(err)
		}
		return cursorAddress(s), nil
	}
}

// --- undo ---

func undoTool() mcp.Tool {
	return mcp.NewTool("undo",
		mcp.WithDescription("Undo the most recent change made in this session."),
	)
}

func undoHandler(store *engine.Store) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := store.Do(engine.Undo)
		if err != nil {
			return toolError(err)
		}
		return cursorAddress(s), nil
	}
}
