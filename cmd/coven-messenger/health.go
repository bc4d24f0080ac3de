// ABOUTME: health command that probes a running coven-messenger server
// ABOUTME: Hits /health or /health/ready and exits non-zero when the server is down

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/config"
)

const healthTimeout = 5 * time.Second

func healthCmd() *cobra.Command {
	var (
		baseURL string
		ready   bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = baseURLFromConfig()
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			body, err := probe(cmd.Context(), strings.TrimRight(baseURL, "/")+path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("✓"), body)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "server base URL (default: derived from server.http_addr)")
	cmd.Flags().BoolVar(&ready, "ready", false, "query the readiness endpoint")
	return cmd
}

// baseURLFromConfig turns server.http_addr into a loopback URL, falling back
// to the default address when no config is readable.
func baseURLFromConfig() string {
	addr := config.DefaultHTTPAddr
	if cfg, _, err := loadConfig(); err == nil && cfg.Server.HTTPAddr != "" {
		addr = cfg.Server.HTTPAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func probe(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server unhealthy: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
