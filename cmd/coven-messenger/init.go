// ABOUTME: init command that writes a starter config file interactively
// ABOUTME: Generates a random JWT secret so the turns API is protected from the start

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// initAnswers holds the values collected by the init prompts.
type initAnswers struct {
	HTTPAddr        string
	AgentURL        string
	VerifyToken     string
	AppSecretEnv    string
	PageTokenEnv    string
	AttachmentsFile string
	DatabasePath    string
	JWTSecret       string
	Tailscale       bool
	TSHostname      string
	TSFunnel        bool
	LogLevel        string
	LogFormat       string
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-messenger configuration setup")
	fmt.Fprintln(out, "===================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	verify, err := randomSecret()
	if err != nil {
		return err
	}

	var a initAnswers
	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "0.0.0.0:8080")

	fmt.Fprintln(out, "\n--- Messenger Configuration ---")
	a.VerifyToken = prompt(reader, out, "Webhook verify token", verify[:24])
	a.PageTokenEnv = prompt(reader, out, "Env var holding the page access token", "FB_PAGE_ACCESS_TOKEN")
	a.AppSecretEnv = prompt(reader, out, "Env var holding the app secret", "FB_APP_SECRET")
	a.AttachmentsFile = prompt(reader, out, "Attachment id map file", filepath.Join(filepath.Dir(outputFile), "fb_attachment_ids.json"))

	fmt.Fprintln(out, "\n--- Agent Configuration ---")
	a.AgentURL = prompt(reader, out, "Agent chat URL", "http://localhost:8000/chat")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.DatabasePath = prompt(reader, out, "Turn ledger path (\"none\" to disable)", filepath.Join(filepath.Dir(outputFile), "messenger.db"))
	if strings.EqualFold(a.DatabasePath, "none") {
		a.DatabasePath = ""
	}
	a.JWTSecret = secret

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "coven-messenger")
		a.TSFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS for Meta)?", "yes"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the JWT secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Set %s and %s before starting.\n", a.PageTokenEnv, a.AppSecretEnv)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-messenger serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-messenger configuration\n")
	cfg.WriteString("# Generated by coven-messenger init\n\n")

	if !a.Tailscale {
		cfg.WriteString("server:\n")
		cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", a.HTTPAddr))
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("messenger:\n")
	cfg.WriteString(fmt.Sprintf("  verify_token: %q\n", a.VerifyToken))
	cfg.WriteString(fmt.Sprintf("  app_secret: \"${%s}\"\n", a.AppSecretEnv))
	cfg.WriteString(fmt.Sprintf("  page_access_token: \"${%s}\"\n", a.PageTokenEnv))
	cfg.WriteString(fmt.Sprintf("  attachments_file: %q\n", a.AttachmentsFile))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", a.AgentURL))
	cfg.WriteString("  timeout: \"30s\"\n\n")

	cfg.WriteString("debounce:\n")
	cfg.WriteString("  delay: \"1.5s\"\n")
	cfg.WriteString("  max_wait: \"10s\"\n")
	cfg.WriteString("  max_buffer_size: 5\n")
	cfg.WriteString("  max_buffer_chars: 1000\n\n")

	cfg.WriteString("dedupe:\n")
	cfg.WriteString("  ttl: \"5m\"\n")
	cfg.WriteString("  cleanup_watermark: 100\n\n")

	if a.DatabasePath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n\n", a.DatabasePath))
	}

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", a.JWTSecret))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
