// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and env overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver kinds.
const (
	DriverRunner = "runner"
	DriverMatrix = "matrix"
	DriverFake   = "fake"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Events    EventsConfig    `yaml:"events"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Driver    DriverConfig    `yaml:"driver"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the admin JWT secret and the global API key.
// Either may be empty, which disables the corresponding check.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	APIKey    string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionsConfig controls session storage, recovery and probing
type SessionsConfig struct {
	FolderPath    string `yaml:"folder_path"`
	Recover       *bool  `yaml:"recover"`
	MaxAttempts   int    `yaml:"max_attempts"`
	ProbeAttempts int    `yaml:"probe_attempts"`

	BaseDelay     time.Duration `yaml:"-"`
	MaxDelay      time.Duration `yaml:"-"`
	NetworkFloor  time.Duration `yaml:"-"`
	SurfaceWait   time.Duration `yaml:"-"`
	ProbeTimeout  time.Duration `yaml:"-"`
	TerminateWait time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw     string `yaml:"base_delay"`
	MaxDelayRaw      string `yaml:"max_delay"`
	NetworkFloorRaw  string `yaml:"network_floor"`
	SurfaceWaitRaw   string `yaml:"surface_wait"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout"`
	TerminateWaitRaw string `yaml:"terminate_wait"`
}

// RecoverEnabled reports whether sessions are restored and restarted.
func (s SessionsConfig) RecoverEnabled() bool {
	return s.Recover == nil || *s.Recover
}

// EventsConfig controls outgoing event delivery
type EventsConfig struct {
	BaseWebhookURL    string            `yaml:"base_webhook_url"`
	RequireBaseURL    *bool             `yaml:"require_base_url"`
	SessionWebhooks   map[string]string `yaml:"session_webhooks"`
	DisabledCallbacks []string          `yaml:"disabled_callbacks"`
	MaxAttachmentSize int64             `yaml:"max_attachment_size"`
	SetMessagesAsSeen bool              `yaml:"set_messages_as_seen"`
	QueueSize         int               `yaml:"queue_size"`
	Workers           int               `yaml:"workers"`
	ErrorLogEvery     int               `yaml:"error_log_every"`

	DeliveryTimeout time.Duration `yaml:"-"`
	DedupeTTL       time.Duration `yaml:"-"`

	DeliveryTimeoutRaw string `yaml:"delivery_timeout"`
	DedupeTTLRaw       string `yaml:"dedupe_ttl"`
}

// BaseURLRequired reports whether startup needs a base webhook URL.
func (e EventsConfig) BaseURLRequired() bool {
	return e.RequireBaseURL == nil || *e.RequireBaseURL
}

// WebhooksConfig controls inbound webhook registrations
type WebhooksConfig struct {
	DefaultRateLimit int `yaml:"default_rate_limit"`
	HistoryLimit     int `yaml:"history_limit"`
}

// DriverConfig selects and configures the connection driver
type DriverConfig struct {
	Kind   string       `yaml:"kind"`
	Runner RunnerConfig `yaml:"runner"`
	Matrix MatrixConfig `yaml:"matrix"`
}

// RunnerConfig points at the remote automation runner
type RunnerConfig struct {
	URL string `yaml:"url"`

	DialTimeout    time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	DialTimeoutRaw    string `yaml:"dial_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// MatrixConfig names the per-session credentials file
type MatrixConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, duration
// strings are parsed, defaults are applied and env overrides win over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg, os.Getenv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnvOverrides lets deployment env vars win over file values.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv("RELAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := getenv("BASE_WEBHOOK_URL"); v != "" {
		cfg.Events.BaseWebhookURL = v
	}
	if v := getenv("DISABLED_CALLBACKS"); v != "" {
		cfg.Events.DisabledCallbacks = splitPipes(v)
	}
}

func splitPipes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:3000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	s := &c.Sessions
	if s.FolderPath == "" {
		s.FolderPath = "./sessions"
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	setDefault(&s.BaseDelay, 5*time.Second)
	setDefault(&s.MaxDelay, 60*time.Second)
	setDefault(&s.NetworkFloor, 30*time.Second)
	setDefault(&s.SurfaceWait, 10*time.Second)
	setDefault(&s.ProbeTimeout, time.Second)
	setDefault(&s.TerminateWait, 10*time.Second)
	if s.ProbeAttempts == 0 {
		s.ProbeAttempts = 3
	}

	e := &c.Events
	if e.MaxAttachmentSize == 0 {
		e.MaxAttachmentSize = 10_000_000
	}
	if e.QueueSize == 0 {
		e.QueueSize = 1024
	}
	if e.Workers == 0 {
		e.Workers = 4
	}
	if e.ErrorLogEvery == 0 {
		e.ErrorLogEvery = 5
	}
	setDefault(&e.DeliveryTimeout, 10*time.Second)
	setDefault(&e.DedupeTTL, 5*time.Minute)

	if c.Webhooks.DefaultRateLimit == 0 {
		c.Webhooks.DefaultRateLimit = 10
	}
	if c.Webhooks.HistoryLimit == 0 {
		c.Webhooks.HistoryLimit = 500
	}

	d := &c.Driver
	if d.Kind == "" {
		d.Kind = DriverRunner
	}
	setDefault(&d.Runner.DialTimeout, 10*time.Second)
	setDefault(&d.Runner.RequestTimeout, 30*time.Second)
	if d.Matrix.CredentialsFile == "" {
		d.Matrix.CredentialsFile = "matrix.toml"
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Events.BaseURLRequired() && c.Events.BaseWebhookURL == "" {
		return fmt.Errorf("events.base_webhook_url is required (set BASE_WEBHOOK_URL or require_base_url: false)")
	}

	s := c.Sessions
	if s.MaxAttempts < 1 {
		return fmt.Errorf("sessions.max_attempts must be at least 1")
	}
	if s.MaxDelay < s.BaseDelay {
		return fmt.Errorf("sessions.max_delay must not be below sessions.base_delay")
	}
	if s.ProbeAttempts < 1 {
		return fmt.Errorf("sessions.probe_attempts must be at least 1")
	}

	e := c.Events
	if e.QueueSize < 1 || e.Workers < 1 {
		return fmt.Errorf("events.queue_size and events.workers must be positive")
	}
	if e.MaxAttachmentSize < 0 {
		return fmt.Errorf("events.max_attachment_size must not be negative")
	}

	if l := c.Webhooks.DefaultRateLimit; l < 1 || l > 1000 {
		return fmt.Errorf("webhooks.default_rate_limit must be between 1 and 1000")
	}
	if c.Webhooks.HistoryLimit < 1 {
		return fmt.Errorf("webhooks.history_limit must be at least 1")
	}

	switch c.Driver.Kind {
	case DriverRunner:
		if c.Driver.Runner.URL == "" {
			return fmt.Errorf("driver.runner.url is required for the runner driver")
		}
	case DriverMatrix, DriverFake:
	default:
		return fmt.Errorf("driver.kind %q is not one of runner, matrix, fake", c.Driver.Kind)
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
		{"sessions.base_delay", cfg.Sessions.BaseDelayRaw, &cfg.Sessions.BaseDelay},
		{"sessions.max_delay", cfg.Sessions.MaxDelayRaw, &cfg.Sessions.MaxDelay},
		{"sessions.network_floor", cfg.Sessions.NetworkFloorRaw, &cfg.Sessions.NetworkFloor},
		{"sessions.surface_wait", cfg.Sessions.SurfaceWaitRaw, &cfg.Sessions.SurfaceWait},
		{"sessions.probe_timeout", cfg.Sessions.ProbeTimeoutRaw, &cfg.Sessions.ProbeTimeout},
		{"sessions.terminate_wait", cfg.Sessions.TerminateWaitRaw, &cfg.Sessions.TerminateWait},
		{"events.delivery_timeout", cfg.Events.DeliveryTimeoutRaw, &cfg.Events.DeliveryTimeout},
		{"events.dedupe_ttl", cfg.Events.DedupeTTLRaw, &cfg.Events.DedupeTTL},
		{"driver.runner.dial_timeout", cfg.Driver.Runner.DialTimeoutRaw, &cfg.Driver.Runner.DialTimeout},
		{"driver.runner.request_timeout", cfg.Driver.Runner.RequestTimeoutRaw, &cfg.Driver.Runner.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Path returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func Path() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// DataPath returns the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}
