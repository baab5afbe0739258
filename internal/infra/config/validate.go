package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateIdentity(cfg, ve)
	validateChat(cfg, ve)
	validateReconnect(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validRoles = map[string]bool{
	"operator": true,
	"node":     true,
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else if u, err := url.Parse(g.URL); err != nil {
		ve.Add("gateway.url %q is not a valid URL: %v", g.URL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("gateway.url %q must use ws:// or wss://", g.URL)
	} else if u.Host == "" {
		ve.Add("gateway.url %q has no host", g.URL)
	}
	if !validRoles[g.Role] {
		ve.Add("gateway.role %q is invalid (want: operator, node)", g.Role)
	}
	for i, s := range g.Scopes {
		if strings.TrimSpace(s) == "" {
			ve.Add("gateway.scopes[%d] must not be empty", i)
		}
	}
	if g.Client.ID == "" {
		ve.Add("gateway.client.id must not be empty")
	}
	if g.Client.Mode == "" {
		ve.Add("gateway.client.mode must not be empty")
	}
	if g.ConnectTimeout <= 0 {
		ve.Add("gateway.connect_timeout must be > 0")
	}
	if g.RequestTimeout < 0 {
		ve.Add("gateway.request_timeout must be >= 0")
	}
	if g.ReadLimit < 0 {
		ve.Add("gateway.read_limit must be >= 0")
	}
}

func validateIdentity(cfg *Config, ve *ValidationError) {
	if cfg.Identity.Disabled {
		return
	}
	if cfg.Identity.Path == "" {
		ve.Add("identity.path is required unless identity is disabled")
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.HistoryLimit <= 0 {
		ve.Add("chat.history_limit must be > 0")
	}
	if cfg.Chat.RunTimeout < 0 {
		ve.Add("chat.run_timeout must be >= 0")
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Reconnect
	if r.MinInterval < 0 {
		ve.Add("reconnect.min_interval must be >= 0")
	}
	if r.OpenTimeout < 0 {
		ve.Add("reconnect.open_timeout must be >= 0")
	}
	if r.Interval < 0 {
		ve.Add("reconnect.interval must be >= 0")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.Timeout < 0 {
		ve.Add("discovery.timeout must be >= 0")
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Discovery.Static {
		if s.Name == "" {
			ve.Add("discovery.static[%d].name must not be empty", i)
		} else if seen[s.Name] {
			ve.Add("discovery.static[%d]: duplicate gateway name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Host == "" {
			ve.Add("discovery.static[%d].host must not be empty", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			ve.Add("discovery.static[%d].port %d is out of range", i, s.Port)
		}
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is unsupported (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
