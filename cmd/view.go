package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/thoughtspace/internal/config"
	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/export"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/storage"
)

var (
	treeDepth    int
	treeMeta     bool
	exportFormat string
	exportQuery  string
	searchLimit  int
)

func init() {
	for _, c := range []*cobra.Command{treeCmd, exportCmd} {
		c.Flags().IntVarP(&treeDepth, "depth", "d", -1, "Levels to show below the start (-1 for all)")
		c.Flags().BoolVar(&treeMeta, "meta", false, "Include meta attributes such as =sort")
	}
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json, yaml or text")
	exportCmd.Flags().StringVarP(&exportQuery, "query", "q", "", "JSONPath expression applied to the exported tree")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of matches (0 for all)")
	rootCmd.AddCommand(treeCmd, exportCmd, searchCmd, checkCmd)
}

// loadIndices reads the space without taking the writer lock, so it works
// next to a running sync.
func loadIndices(ctx context.Context, cfg *config.Config) (graph.Indices, error) {
	local, err := storage.OpenReadOnly(cfg.StoreDir())
	if errors.Is(err, fs.ErrNotExist) {
		return graph.Indices{}, fmt.Errorf("%s: %w", cfg.Space, errNotInitialized)
	}
	if err != nil {
		return graph.Indices{}, err
	}
	defer func() { _ = local.Close() }()

	ix, err := local.Load(ctx)
	if err != nil {
		return ix, err
	}
	if _, ok := ix.Thoughts[graph.HomeToken]; !ok {
		return ix, fmt.Errorf("%s: %w", cfg.Space, errNotInitialized)
	}
	return ix, nil
}

// subtree resolves the optional address argument and builds the export tree.
func subtree(cmd *cobra.Command, args []string) (*export.Node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ix, err := loadIndices(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	var addr string
	if len(args) > 0 {
		addr = args[0]
	}
	p, err := graph.Resolve(ix, addr)
	if err != nil {
		return nil, err
	}
	return export.Tree(ix, parentID(p), export.Options{Depth: treeDepth, Meta: treeMeta})
}

var treeCmd = &cobra.Command{
	Use:   "tree [address]",
	Short: "Print the outline below a thought",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := subtree(cmd, args)
		if err != nil {
			return err
		}
		return export.Write(cmd.OutOrStdout(), n, export.FormatText)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [address]",
	Short: "Export the outline below a thought as JSON or YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		n, err := subtree(cmd, args)
		if err != nil {
			return err
		}
		if exportQuery == "" {
			return export.Write(cmd.OutOrStdout(), n, format)
		}
		values, err := export.Query(n, exportQuery)
		if err != nil {
			return err
		}
		return export.WriteValues(cmd.OutOrStdout(), values, format)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Fuzzy search thoughts by text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ix, err := loadIndices(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		results := graph.SearchLexemes(ix, strings.Join(args, " "), searchLimit)
		if len(results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for _, r := range results {
			fmt.Fprintln(out, r.Value)
			for _, id := range r.Contexts {
				if p := graph.ThoughtToPath(ix, id); p != nil {
					fmt.Fprintf(out, "  %s\n", graph.Address(ix, p))
				}
			}
		}
		return nil
	},
}

var errCheckFailed = errors.New("consistency check failed")

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the local store: links, lexemes and reachability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ix, err := loadIndices(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := false
		if err := engine.CheckAll(ix); err != nil {
			failed = true
			fmt.Fprintf(out, "integrity:\n%v\n", err)
		}
		report := graph.Audit(ix)
		fmt.Fprintln(out, report)
		for _, list := range []struct {
			name string
			ids  []string
		}{
			{"orphan", report.Orphans},
			{"mismatched", report.Mismatched},
			{"missing lexeme", report.MissingLexemes},
			{"stale context", report.StaleContexts},
		} {
			for _, id := range list.ids {
				fmt.Fprintf(out, "  %s: %s\n", list.name, id)
			}
		}
		if failed || !report.OK() {
			return errCheckFailed
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
}
