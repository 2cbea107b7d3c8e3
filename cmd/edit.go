package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/graph"
	"github.com/agentic-research/thoughtspace/internal/intent"
)

var (
	addParent string
	addFirst  bool
	mvFirst   bool
)

func init() {
	addCmd.Flags().StringVarP(&addParent, "parent", "p", "", "Address of the parent thought (default: home)")
	addCmd.Flags().BoolVar(&addFirst, "first", false, "Insert before the existing children")
	mvCmd.Flags().BoolVar(&mvFirst, "first", false, "Insert before the existing children")
	rootCmd.AddCommand(addCmd, editCmd, mvCmd, rmCmd, sortCmd)
}

// mutate opens the space, applies the updates built by build and persists
// them. The address of the resulting cursor is printed.
func mutate(cmd *cobra.Command, build func(p *intent.Producer, s *engine.State) ([]engine.Update, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	s, err := a.commit(ctx, func(s *engine.State) ([]engine.Update, error) {
		return build(a.producer, s)
	})
	if closeErr := a.close(ctx); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if len(s.Cursor) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), graph.Address(s.Thoughts, s.Cursor))
	}
	return nil
}

func parentID(p graph.Path) string {
	if len(p) == 0 {
		return graph.HomeToken
	}
	return p.Head()
}

// rankFor places a new or moved child first or last under parent.
func rankFor(ix graph.Indices, parent graph.Path, first bool) float64 {
	if first {
		return graph.PrevRank(ix, parentID(parent))
	}
	return graph.NextRank(ix, parentID(parent))
}

var addCmd = &cobra.Command{
	Use:   "add <text>...",
	Short: "Add a thought",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := strings.Join(args, " ")
		return mutate(cmd, func(p *intent.Producer, s *engine.State) ([]engine.Update, error) {
			parent, err := graph.Resolve(s.Thoughts, addParent)
			if err != nil {
				return nil, err
			}
			up, _, err := p.CreateAt(s, parent, value, rankFor(s.Thoughts, parent, addFirst))
			return []engine.Update{up}, err
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <address> <text>...",
	Short: "Change the text of a thought",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := strings.Join(args[1:], " ")
		return mutate(cmd, func(p *intent.Producer, s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, args[0])
			if err != nil {
				return nil, err
			}
			up, err := p.Edit(s, at, value)
			return []engine.Update{up}, err
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <address> <parent>",
	Short: "Move a thought and its subtree under another parent",
	Long:  "Move a thought and its subtree under another parent. Use / as the parent for the home root.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(p *intent.Producer, s *engine.State) ([]engine.Update, error) {
			from, err := graph.Resolve(s.Thoughts, args[0])
			if err != nil {
				return nil, err
			}
			to, err := graph.Resolve(s.Thoughts, args[1])
			if err != nil {
				return nil, err
			}
			up, err := p.Move(s, from, to, rankFor(s.Thoughts, to, mvFirst))
			return []engine.Update{up}, err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Delete a thought and everything below it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(p *intent.Producer, s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, args[0])
			if err != nil {
				return nil, err
			}
			if len(at) == 0 {
				return nil, intent.ErrRoot
			}
			return p.Delete(s, at)
		})
	},
}

var sortCmd = &cobra.Command{
	Use:       "sort <address> alpha|rank",
	Short:     "Order the children of a thought alphabetically or by rank",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"alpha", "rank"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		switch args[1] {
		case "alpha":
			value = graph.SortAlphabetical
		case "rank":
			value = "None"
		default:
			return fmt.Errorf("unknown order %q (want alpha or rank)", args[1])
		}
		return mutate(cmd, func(p *intent.Producer, s *engine.State) ([]engine.Update, error) {
			at, err := graph.Resolve(s.Thoughts, args[0])
			if err != nil {
				return nil, err
			}
			up, err := p.SetAttribute(s, at, graph.AttrSort, value)
			return []engine.Update{up}, err
		})
	},
}
