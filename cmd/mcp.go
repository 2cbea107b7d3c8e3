package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/thoughtspace/internal/engine"
	"github.com/agentic-research/thoughtspace/internal/mcpserver"
)

var mcpReadOnly bool

func init() {
	mcpCmd.Flags().BoolVar(&mcpReadOnly, "read-only", false, "Only register tools that do not modify the outline")
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the space to an MCP client over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if mcpReadOnly {
			ix, err := loadIndices(ctx, cfg)
			if err != nil {
				return err
			}
			s := engine.NewState()
			s.Thoughts = ix
			s.IsLoading = false
			return mcpserver.Serve(mcpserver.New(Version, engine.NewStore(s), nil))
		}

		a, err := openApp(ctx, cfg, nil)
		if err != nil {
			return err
		}
		srv := mcpserver.New(Version, a.store, a.producer)

		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer cancel()
			return mcpserver.Serve(srv)
		})
		g.Go(func() error {
			// tool writes are persisted in the background; pushes wait in
			// the outbox for the next sync
			tick := time.NewTicker(cfg.FlushInterval())
			defer tick.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-tick.C:
					if err := a.dispatcher.FlushLocal(gctx); err != nil {
						glog.Errorf("[mcp]flush: %v", err)
					}
				}
			}
		})
		runErr := g.Wait()
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		return errors.Join(runErr, a.close(context.Background()))
	},
}
