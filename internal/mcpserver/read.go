package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/export"
	"github.com/agentic-research/thoughtspace/internal/graph"
)

// RegisterReadTools adds the tools that never modify the graph.
func RegisterReadTools(s *server.MCPServer, store *engine.Store) {
	s.AddTool(treeTool(), treeHandler(store))
	s.AddTool(searchTool(), searchHandler(store))
	s.AddTool(getTool(), getHandler(store))
	s.AddTool(checkTool(), checkHandler(store))
}

// --- tree ---

func treeTool() mcp.Tool {
	return mcp.NewTool("tree",
		mcp.WithDescription("Show the outline below a thought. Addresses are slash separated values (e.g. Projects/Garden) or #id."),
		mcp.WithString("address",
			mcp.Description("Thought to start from. Omit for the home root."),
		),
		mcp.WithNumber("depth",
			mcp.Description("Levels to include below the start. Omit or use -1 for all."),
		),
		mcp.WithString("format",
			mcp.Description("text, json or yaml. Defaults to text."),
		),
		mcp.WithString("query",
			mcp.Description("Optional JSONPath expression evaluated against the JSON form of the tree."),
		),
	)
}

func treeHandler(store *engine.Store) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := store.Snapshot()
		p, err := graph.Resolve(s.Thoughts, req.GetString("address", ""))
		if err != nil {
			return toolError(err)
		}
		format, err := export.ParseFormat(req.GetString("format", ""))
		if err != nil {
			return toolError(err)
		}

		id := graph.HomeToken
		if len(p) > 0 {
			id = p.Head()
		}
		n, err := export.Tree(s.Thoughts, id, export.Options{Depth: req.GetInt("depth", -1)})
		if err != nil {
			return toolError(err)
		}

		var sb strings.Builder
		if q := req.GetString("query", ""); q != "" {
			values, err := export.Query(n, q)
			if err != nil {
				return toolError(err)
			}
			err = export.WriteValues(&sb, values, format)
			if err != nil {
				return toolError(err)
			}
			return mcp.NewToolResultText(sb.String()), nil
		}
		if err := export.Write(&sb, n, format); err != nil {
			return toolError(err)
		}
		if sb.Len() == 0 {
			return mcp.NewToolResultText("No thoughts."), nil
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// --- search ---

func searchTool() mcp.Tool {
	return mcp.NewTool("search",
		mcp.WithDescription("Fuzzy search thought values. Returns each match with the addresses of the thoughts that carry it."),
		mcp.WithString("query",
			mcp.Description("Search query"),
			mcp.Required(),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of matches. Defaults to 20."),
		),
	)
}

func searchHandler(store *engine.Store) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		if query == "" {
			return toolError(fmt.Errorf("query is required"))
		}
		ix := store.Snapshot().Thoughts
		results := graph.SearchLexemes(ix, query, req.GetInt("limit", 20))
		if len(results) == 0 {
			return mcp.NewToolResultText("No results found."), nil
		}

		var sb strings.Builder
		for _, r := range results {
			fmt.Fprintf(&sb, "%s\n", r.Value)
			for _, id := range r.Contexts {
				if p := graph.ThoughtToPath(ix, id); p != nil {
					fmt.Fprintf(&sb, "  %s\n", graph.Address(ix, p))
				}
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// --- get ---

func getTool() mcp.Tool {
	return mcp.NewTool("get",
		mcp.WithDescription("Show one thought: its id, value, canonical address and children."),
		mcp.WithString("address",
			mcp.Description("Thought address (e.g. Projects/Garden or #id)"),
			mcp.Required(),
		),
	)
}

func getHandler(store *engine.Store) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr := req.GetString("address", "")
		if addr == "" {
			return toolError(fmt.Errorf("address is required"))
		}
		ix := store.Snapshot().Thoughts
		p, err := graph.Resolve(ix, addr)
		if err != nil {
			return toolError(err)
		}
		if len(p) == 0 {
			return toolError(fmt.Errorf("address is required"))
		}
		t, ok := graph.PathToThought(ix, p)
		if !ok {
			return toolError(graph.ErrNotFound)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "id: %s\nvalue: %s\naddress: %s\n", t.ID, t.Value, graph.Address(ix, p))
		if !t.LastUpdated.IsZero() {
			fmt.Fprintf(&sb, "updated: %s by %s\n", t.LastUpdated.Format("2006-01-02 15:04:05"), t.UpdatedBy)
		}
		children := graph.ChildrenOrdered(ix, t.ID)
		if len(children) > 0 {
			sb.WriteString("children:\n")
			for _, c := range children {
				fmt.Fprintf(&sb, "  #%s %s\n", c.ID, c.Value)
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// --- check ---

func checkTool() mcp.Tool {
	return mcp.NewTool("check",
		mcp.WithDescription("Verify graph consistency: parent and child links, lexeme contexts and reachability."),
	)
}

func checkHandler(store *engine.Store) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ix := store.Snapshot().Thoughts
		var sb strings.Builder
		if err := engine.CheckAll(ix); err != nil {
			fmt.Fprintf(&sb, "integrity:\n%v\n", err)
		} else {
			sb.WriteString("integrity: ok\n")
		}
		report := graph.Audit(ix)
		fmt.Fprintf(&sb, "audit: %s\n", report)
		return mcp.NewToolResultText(sb.String()), nil
	}
}
