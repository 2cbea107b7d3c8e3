package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/thoughtspace/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	spaceName  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to thoughtspace.hcl")
	rootCmd.PersistentFlags().StringVar(&spaceName, "space", "", "Space to open (overrides the config file)")
	// glog registers -v, -logtostderr and friends on the standard flag set
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

var rootCmd = &cobra.Command{
	Use:           "thoughtspace",
	Short:         "thoughtspace: an outline of thoughts synced across devices",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if spaceName != "" {
		cfg.Space = spaceName
	}
	return cfg, nil
}
