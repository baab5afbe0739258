package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"openclawchat/internal/security"
)

// PassphraseEnv names the environment variable holding the passphrase for
// "enc:" secrets in the config file and for sealed identity records.
const PassphraseEnv = "OPENCLAW_CONFIG_KEY"

// Config is the root configuration for openclaw-chat.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Identity  IdentityConfig  `yaml:"identity"`
	Chat      ChatConfig      `yaml:"chat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig describes how to reach and authenticate with a gateway.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`    // may be "enc:..."
	Password       string        `yaml:"password"` // may be "enc:..."
	Client         ClientConfig  `yaml:"client"`
	Role           string        `yaml:"role"`
	Scopes         []string      `yaml:"scopes"`
	Caps           []string      `yaml:"caps"`
	Locale         string        `yaml:"locale"`
	UserAgent      string        `yaml:"user_agent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadLimit      int64         `yaml:"read_limit"`
}

// ClientConfig is the client description sent in the connect request.
// Empty fields keep the client library defaults.
type ClientConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
	Mode        string `yaml:"mode"`
	InstanceID  string `yaml:"instance_id"`
}

// IdentityConfig locates the persisted device identity.
type IdentityConfig struct {
	// Disabled connects without a device block; only token or password
	// authentication is offered.
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
	// Sealed encrypts the private key at rest with the config passphrase.
	Sealed bool `yaml:"sealed"`
}

// ChatConfig holds session defaults used by the CLI.
type ChatConfig struct {
	SessionKey   string        `yaml:"session_key"`
	HistoryLimit int           `yaml:"history_limit"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	Thinking     string        `yaml:"thinking"`
}

// ReconnectConfig paces redials of a long-running session.
type ReconnectConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// DiscoveryConfig controls LAN gateway discovery.
type DiscoveryConfig struct {
	Enabled bool            `yaml:"enabled"`
	Timeout time.Duration   `yaml:"timeout"`
	Static  []StaticGateway `yaml:"static"`
}

// StaticGateway is a gateway listed by hand rather than discovered.
type StaticGateway struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// LoggerConfig controls structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"` // span file for the stdout exporter; empty writes to stderr
	ServiceName string `yaml:"service_name"`
}

// defaultStateDir returns $HOME/.openclaw, or "./.openclaw" when $HOME cannot
// be determined.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:            "ws://127.0.0.1:18789",
			Client:         ClientConfig{ID: "cli", Mode: "cli"},
			Role:           "operator",
			Scopes:         []string{"operator.read", "operator.write"},
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			ReadLimit:      25 << 20,
		},
		Identity: IdentityConfig{
			Path: filepath.Join(defaultStateDir(), "identity", "device.json"),
		},
		Chat: ChatConfig{
			SessionKey:   "main",
			HistoryLimit: 50,
		},
		Reconnect: ReconnectConfig{
			MinInterval: time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			Interval:    60 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Timeout: 3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "openclaw-chat",
		},
	}
}

// Load reads a YAML config file, applies env overrides and validates.
// A missing file is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv(PassphraseEnv)); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps OPENCLAW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENCLAW_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_ROLE"); v != "" {
		cfg.Gateway.Role = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_SCOPES"); v != "" {
		cfg.Gateway.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.ConnectTimeout = d
		}
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("OPENCLAW_CLIENT_DISPLAY_NAME"); v != "" {
		cfg.Gateway.Client.DisplayName = v
	}
	if v := os.Getenv("OPENCLAW_IDENTITY_PATH"); v != "" {
		cfg.Identity.Path = v
	}
	if v := os.Getenv("OPENCLAW_SESSION_KEY"); v != "" {
		cfg.Chat.SessionKey = v
	}
	if v := os.Getenv("OPENCLAW_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chat.HistoryLimit = n
		}
	}
	if v := os.Getenv("OPENCLAW_DISCOVERY_ENABLED"); v != "" {
		cfg.Discovery.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OPENCLAW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPENCLAW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OPENCLAW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPENCLAW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets opens "enc:..." gateway credentials. Plaintext values pass
// through; a sealed value without a passphrase is an error.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"gateway.token", &cfg.Gateway.Token},
		{"gateway.password", &cfg.Gateway.Password},
	}
	for _, f := range fields {
		if !security.IsSealed(*f.ptr) {
			continue
		}
		if passphrase == "" {
			return fmt.Errorf("%s is encrypted but %s is not set", f.name, PassphraseEnv)
		}
		plain, err := security.OpenString(*f.ptr, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = plain
	}
	return nil
}

// validatePermissions rejects config files that group or others can write.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
