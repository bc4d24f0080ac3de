// ABOUTME: Configuration loading and parsing for coven-messenger
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "COVEN_MESSENGER_CONFIG"

// minJWTSecretLength mirrors the HS256 secret floor enforced by the auth package.
const minJWTSecretLength = 32

// Defaults applied by ApplyDefaults when a field is left unset.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultGraphAPIURL      = "https://graph.facebook.com/v24.0"
	DefaultSendRate         = 20.0
	DefaultSendBurst        = 40
	DefaultSendTimeout      = 10 * time.Second
	DefaultTypingTimeout    = 5 * time.Second
	DefaultAgentTimeout     = 30 * time.Second
	DefaultFallbackReply    = "ขออภัย ระบบไม่สามารถประมวลผลได้ในขณะนี้"
	DefaultDebounceDelay    = 1500 * time.Millisecond
	DefaultMaxWait          = 10 * time.Second
	DefaultMaxBufferSize    = 5
	DefaultMaxBufferChars   = 1000
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultCleanupWatermark = 100
)

// Config represents the complete coven-messenger configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Messenger MessengerConfig `yaml:"messenger" toml:"messenger"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Debounce  DebounceConfig  `yaml:"debounce" toml:"debounce"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS on :443 for the Meta webhook
}

// MessengerConfig holds the Messenger platform credentials and Send API tuning
type MessengerConfig struct {
	VerifyToken     string  `yaml:"verify_token" toml:"verify_token"`
	AppSecret       string  `yaml:"app_secret" toml:"app_secret"`
	PageAccessToken string  `yaml:"page_access_token" toml:"page_access_token"`
	GraphAPIURL     string  `yaml:"graph_api_url" toml:"graph_api_url"`
	AttachmentsFile string  `yaml:"attachments_file" toml:"attachments_file"`
	SendRate        float64 `yaml:"send_rate" toml:"send_rate"`
	SendBurst       int     `yaml:"send_burst" toml:"send_burst"`

	SendTimeout   time.Duration `yaml:"-" toml:"-"`
	TypingTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SendTimeoutRaw   string `yaml:"send_timeout" toml:"send_timeout"`
	TypingTimeoutRaw string `yaml:"typing_timeout" toml:"typing_timeout"`
}

// AgentConfig points at the downstream conversational agent
type AgentConfig struct {
	URL           string        `yaml:"url" toml:"url"`
	FallbackReply string        `yaml:"fallback_reply" toml:"fallback_reply"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw    string        `yaml:"timeout" toml:"timeout"`
}

// DebounceConfig holds the per-sender coalescing thresholds
type DebounceConfig struct {
	MaxBufferSize  int `yaml:"max_buffer_size" toml:"max_buffer_size"`
	MaxBufferChars int `yaml:"max_buffer_chars" toml:"max_buffer_chars"`

	Delay   time.Duration `yaml:"-" toml:"-"`
	MaxWait time.Duration `yaml:"-" toml:"-"`

	DelayRaw   string `yaml:"delay" toml:"delay"`
	MaxWaitRaw string `yaml:"max_wait" toml:"max_wait"`
}

// DedupeConfig holds the message id cache settings
type DedupeConfig struct {
	CleanupWatermark int           `yaml:"cleanup_watermark" toml:"cleanup_watermark"`
	TTL              time.Duration `yaml:"-" toml:"-"`
	TTLRaw           string        `yaml:"ttl" toml:"ttl"`
}

// DatabaseConfig holds the turn ledger location. An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration for the turns API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config path used when no flag is given.
// Priority: COVEN_MESSENGER_CONFIG env var > XDG_CONFIG_HOME/coven/messenger.yaml > ~/.config/coven/messenger.yaml
func DefaultPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "messenger.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "messenger.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}

	return Parse(data, format)
}

// Parse decodes config data in the given format ("yaml" or "toml"), then
// applies defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default value.
// Explicit zero or negative numbers are left alone so Validate can reject them.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}

	m := &c.Messenger
	if m.GraphAPIURL == "" {
		m.GraphAPIURL = DefaultGraphAPIURL
	}
	m.GraphAPIURL = strings.TrimRight(m.GraphAPIURL, "/")
	if m.SendRate == 0 {
		m.SendRate = DefaultSendRate
	}
	if m.SendBurst == 0 {
		m.SendBurst = DefaultSendBurst
	}
	if m.SendTimeoutRaw == "" {
		m.SendTimeout = DefaultSendTimeout
	}
	if m.TypingTimeoutRaw == "" {
		m.TypingTimeout = DefaultTypingTimeout
	}

	if c.Agent.TimeoutRaw == "" {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Agent.FallbackReply == "" {
		c.Agent.FallbackReply = DefaultFallbackReply
	}

	d := &c.Debounce
	if d.DelayRaw == "" {
		d.Delay = DefaultDebounceDelay
	}
	if d.MaxWaitRaw == "" {
		d.MaxWait = DefaultMaxWait
	}
	if d.MaxBufferSize == 0 {
		d.MaxBufferSize = DefaultMaxBufferSize
	}
	if d.MaxBufferChars == 0 {
		d.MaxBufferChars = DefaultMaxBufferChars
	}

	if c.Dedupe.TTLRaw == "" {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.CleanupWatermark == 0 {
		c.Dedupe.CleanupWatermark = DefaultCleanupWatermark
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Messenger.VerifyToken == "" {
		return fmt.Errorf("messenger.verify_token is required")
	}
	if c.Messenger.PageAccessToken == "" {
		return fmt.Errorf("messenger.page_access_token is required")
	}
	if err := validateHTTPURL("messenger.graph_api_url", c.Messenger.GraphAPIURL); err != nil {
		return err
	}
	if c.Messenger.SendRate < 0 {
		return fmt.Errorf("messenger.send_rate must not be negative")
	}
	if c.Messenger.SendBurst < 1 {
		return fmt.Errorf("messenger.send_burst must be at least 1")
	}

	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	if err := validateHTTPURL("agent.url", c.Agent.URL); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"messenger.send_timeout", c.Messenger.SendTimeout},
		{"messenger.typing_timeout", c.Messenger.TypingTimeout},
		{"agent.timeout", c.Agent.Timeout},
		{"debounce.delay", c.Debounce.Delay},
		{"debounce.max_wait", c.Debounce.MaxWait},
		{"dedupe.ttl", c.Dedupe.TTL},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.Debounce.MaxWait < c.Debounce.Delay {
		return fmt.Errorf("debounce.max_wait (%s) must not be shorter than debounce.delay (%s)", c.Debounce.MaxWait, c.Debounce.Delay)
	}
	if c.Debounce.MaxBufferSize < 1 {
		return fmt.Errorf("debounce.max_buffer_size must be at least 1")
	}
	if c.Debounce.MaxBufferChars < 1 {
		return fmt.Errorf("debounce.max_buffer_chars must be at least 1")
	}
	if c.Dedupe.CleanupWatermark < 1 {
		return fmt.Errorf("dedupe.cleanup_watermark must be at least 1")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"messenger.send_timeout", cfg.Messenger.SendTimeoutRaw, &cfg.Messenger.SendTimeout},
		{"messenger.typing_timeout", cfg.Messenger.TypingTimeoutRaw, &cfg.Messenger.TypingTimeout},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"debounce.delay", cfg.Debounce.DelayRaw, &cfg.Debounce.Delay},
		{"debounce.max_wait", cfg.Debounce.MaxWaitRaw, &cfg.Debounce.MaxWait},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
