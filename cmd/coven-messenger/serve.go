// ABOUTME: serve command that starts the webhook gateway
// ABOUTME: Prints the startup banner and blocks until SIGINT or SIGTERM

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cyan := color.New(color.FgCyan)
			cyan.Print(banner)

			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, configPath, err := loadConfig()
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging, cmd.OutOrStdout())

			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", configPath)
			if cfg.Tailscale.Enabled {
				green.Print("    ▶ ")
				fmt.Printf("Tailscale: ")
				cyan.Print(cfg.Tailscale.Hostname)
				if cfg.Tailscale.Funnel {
					yellow.Print(" [funnel]")
				}
				if cfg.Tailscale.Ephemeral {
					gray.Print(" (ephemeral)")
				}
				fmt.Println()
			} else {
				green.Print("    ▶ ")
				fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			}
			green.Print("    ▶ ")
			fmt.Printf("Agent:     %s\n", cfg.Agent.URL)
			green.Print("    ▶ ")
			fmt.Printf("Debounce:  %s idle, %s max, %d msgs, %d chars\n",
				cfg.Debounce.Delay, cfg.Debounce.MaxWait, cfg.Debounce.MaxBufferSize, cfg.Debounce.MaxBufferChars)
			if cfg.Database.Path != "" {
				green.Print("    ▶ ")
				fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
			}
			fmt.Println()

			logger.Info("starting coven-messenger",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"agent_url", cfg.Agent.URL,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			return gw.Run(cmd.Context())
		},
	}
}
