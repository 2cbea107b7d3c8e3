package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/thoughtspace/internal/remote"
	"github.com/agentic-research/thoughtspace/internal/storage"
)

var (
	serveListen string
	tokenDevice string
	tokenTTL    time.Duration
)

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on (default: relay.listen)")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "Device name recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay that devices sync through",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		listen := cfg.Relay.Listen
		if serveListen != "" {
			listen = serveListen
		}
		if cfg.Relay.Secret == "" {
			glog.Warning("[serve]relay.secret is empty; any client may join any space")
		}

		relay := remote.NewRelay([]byte(cfg.Relay.Secret), remote.DefaultRelaySettings())
		relay.Open = func(space string) (remote.RelayStore, error) {
			if space == "" || space != filepath.Base(space) || strings.HasPrefix(space, ".") {
				return nil, fmt.Errorf("invalid space name %q", space)
			}
			dir := filepath.Join(cfg.DataDir, "relay", space)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir: %w", err)
			}
			return storage.Open(dir)
		}
		defer func() { _ = relay.Close() }()

		mux := http.NewServeMux()
		mux.Handle("/sync", relay)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok\n"))
		})
		srv := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a relay token for the configured space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Relay.Secret == "" {
			return errors.New("relay.secret is not set")
		}
		token, err := remote.IssueToken([]byte(cfg.Relay.Secret), cfg.Space, tokenDevice, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
