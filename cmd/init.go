package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentic-research/thoughtspace/internal/config"
	"github.com/agentic-research/thoughtspace/internal/storage"
)

var (
	initRemote  string
	initToken   string
	initDataDir string
)

func init() {
	initCmd.Flags().StringVar(&initRemote, "remote", "", "Relay URL to sync with (e.g. ws://host:7420/sync)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Token issued by the relay")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "Directory holding the spaces")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and the local store of a space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, statErr := os.Stat(configPath)
		missing := errors.Is(statErr, fs.ErrNotExist)

		changed := missing
		set := func(flag string, dst *string, v string) {
			if cmd.Flags().Changed(flag) {
				*dst = v
				changed = true
			}
		}
		set("remote", &cfg.Remote.URL, initRemote)
		set("token", &cfg.Remote.Token, initToken)
		set("data-dir", &cfg.DataDir, initDataDir)
		if cfg.Device == "" {
			cfg.Device = uuid.NewString()
			changed = true
		}
		if changed {
			if err := config.Write(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		}

		if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		local, err := storage.Open(cfg.StoreDir())
		if err != nil {
			return err
		}
		defer func() { _ = local.Close() }()

		ctx := cmd.Context()
		created, err := seed(ctx, local)
		if err != nil {
			return err
		}
		if err := local.SetMeta(ctx, metaDevice, cfg.Device); err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized space %q in %s\n", cfg.Space, cfg.StoreDir())
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Space %q already initialized in %s\n", cfg.Space, cfg.StoreDir())
		}
		return nil
	},
}
