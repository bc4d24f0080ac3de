// ABOUTME: Entry point for coven-messenger, the Messenger webhook front for a coven agent
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___ ___  ___ _ __   __ _  ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __/ __|/ _ \ '_ \ / _' |/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \__ \  __/ | | | (_| |  __/ |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/___/\___|_| |_|\__, |\___|_|
                                                                   |___/
`

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coven-messenger",
		Short:         "Messenger webhook front for a coven agent",
		Long:          "coven-messenger receives Facebook Messenger webhooks, drops duplicate deliveries, coalesces rapid-fire messages per sender into one turn, and relays the agent's reply back through the Send API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $"+config.EnvConfigPath+" or $XDG_CONFIG_HOME/coven/messenger.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(turnsCmd())
	root.AddCommand(uploadImagesCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-messenger %s\n", version)
		},
	}
}

// resolveConfigPath returns the --config flag value or the default location.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		cancel()
		os.Exit(1)
	}
}
