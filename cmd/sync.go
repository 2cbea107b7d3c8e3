package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/thoughtspace/internal/config"
	"github.com/agentic-research/thoughtspace/internal/connectivity"
	"github.com/agentic-research/thoughtspace/internal/remote"
	"github.com/agentic-research/thoughtspace/internal/syncq"
)

var (
	syncOnce    bool
	syncTimeout time.Duration
)

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "Exit after the first snapshot has been merged and the outbox pushed")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "With --once, how long to wait for the relay")
	rootCmd.AddCommand(syncCmd)
}

func clientSettings(cfg *config.Config) *remote.ClientSettings {
	settings := remote.DefaultClientSettings()
	settings.ReconnectTimeout = cfg.ReconnectTimeout()
	return settings
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local store with the relay",
	Long: `Sync connects to the configured relay, merges the remote snapshot and
pushes local changes, including those saved while offline. Without --once it
keeps running and follows changes from other devices until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Remote.URL == "" {
			return errors.New("no relay configured; set remote.url or run thoughtspace init --remote")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if syncOnce {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, syncTimeout)
			defer cancel()
		}

		// the client outlives ctx so the final push can still go out
		clientCtx, cancelClient := context.WithCancel(context.Background())
		defer cancelClient()
		auth := &remote.ClientAuth{Token: cfg.Remote.Token, SpaceName: cfg.Space, Device: cfg.Device}
		client, err := remote.NewClient(clientCtx, cfg.Remote.URL, auth, clientSettings(cfg))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		a, err := openApp(cmd.Context(), cfg, client)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		machine := connectivity.New(false, cfg.OfflineTimeout())
		defer machine.Close()
		machine.Subscribe(func(s connectivity.State) {
			fmt.Fprintf(out, "status: %s\n", s)
		})
		hasContent, err := a.local.HasContent(ctx)
		if err != nil {
			glog.Warningf("[sync]%v", err)
		}
		machine.LocalCacheReady(hasContent)
		machine.Start(connectivity.DefaultGrace)

		synced := make(chan struct{}, 1)
		puller := syncq.NewPuller(a.store, client)
		puller.Deleting = a.dispatcher.Deleting
		puller.OnSnapshot = func() {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
		a.dispatcher.Start(cfg.FlushInterval())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			machine.Run(gctx, client.Events())
			return nil
		})
		g.Go(func() error {
			return puller.Run(gctx)
		})
		if syncOnce {
			g.Go(func() error {
				select {
				case <-synced:
				case <-gctx.Done():
					return fmt.Errorf("waiting for snapshot: %w", gctx.Err())
				}
				if err := a.dispatcher.FlushNow(gctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "synced")
				return errDone
			})
		}

		runErr := g.Wait()
		if errors.Is(runErr, errDone) || errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		closeErr := a.close(context.Background())
		return errors.Join(runErr, closeErr)
	},
}

// errDone stops the run group once a one-shot sync has finished.
var errDone = errors.New("done")
