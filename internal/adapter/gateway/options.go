package gateway

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"openclawchat/internal/domain"
	"openclawchat/internal/security"
)

// Defaults for a client talking to a local gateway.
const (
	DefaultURL       = "ws://127.0.0.1:18789"
	DefaultReadLimit = 25 << 20
	defaultClientID  = "cli"
	defaultMode      = "cli"
)

// Config is the immutable connection configuration of a Client.
type Config struct {
	URL        string
	Token      string
	Password   string
	Client     domain.ClientInfo
	Role       string
	Scopes     []string
	Caps       []string
	Locale     string
	UserAgent  string
	ReadLimit  int64
	HTTPHeader http.Header
	Identity   *security.DeviceIdentity
}

func defaultConfig() Config {
	return Config{
		URL: DefaultURL,
		Client: domain.ClientInfo{
			ID:       defaultClientID,
			Version:  "dev",
			Platform: runtime.GOOS,
			Mode:     defaultMode,
		},
		Role:      domain.RoleOperator,
		Scopes:    []string{domain.ScopeOperatorRead, domain.ScopeOperatorWrite},
		ReadLimit: DefaultReadLimit,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the gateway WebSocket endpoint.
func WithURL(url string) Option {
	return func(c *Client) { c.cfg.URL = url }
}

// WithToken sets the bearer token sent in the connect auth block.
func WithToken(token string) Option {
	return func(c *Client) { c.cfg.Token = token }
}

// WithPassword sets the gateway password sent in the connect auth block.
func WithPassword(password string) Option {
	return func(c *Client) { c.cfg.Password = password }
}

// WithClientInfo sets the client descriptor. Empty fields keep their defaults.
func WithClientInfo(info domain.ClientInfo) Option {
	return func(c *Client) {
		if info.ID != "" {
			c.cfg.Client.ID = info.ID
		}
		if info.DisplayName != "" {
			c.cfg.Client.DisplayName = info.DisplayName
		}
		if info.Version != "" {
			c.cfg.Client.Version = info.Version
		}
		if info.Platform != "" {
			c.cfg.Client.Platform = info.Platform
		}
		if info.Mode != "" {
			c.cfg.Client.Mode = info.Mode
		}
		if info.InstanceID != "" {
			c.cfg.Client.InstanceID = info.InstanceID
		}
	}
}

// WithRole sets the requested role.
func WithRole(role string) Option {
	return func(c *Client) { c.cfg.Role = role }
}

// WithScopes sets the requested capability scopes.
func WithScopes(scopes ...string) Option {
	return func(c *Client) { c.cfg.Scopes = append([]string(nil), scopes...) }
}

// WithCaps sets the client capabilities advertised during connect.
func WithCaps(caps ...string) Option {
	return func(c *Client) { c.cfg.Caps = append([]string(nil), caps...) }
}

// WithLocale sets the locale advertised during connect.
func WithLocale(locale string) Option {
	return func(c *Client) { c.cfg.Locale = locale }
}

// WithUserAgent sets the user agent advertised during connect.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.cfg.UserAgent = ua }
}

// WithReadLimit caps the size of a single inbound message until the gateway
// announces its own limit.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.cfg.ReadLimit = n }
}

// WithHTTPHeader adds headers to the WebSocket upgrade request.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.cfg.HTTPHeader = h.Clone() }
}

// WithIdentity sets the device identity used to answer the connect challenge.
// Without one, the connect request carries no device block.
func WithIdentity(id *security.DeviceIdentity) Option {
	return func(c *Client) { c.cfg.Identity = id }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the clock used for signedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(next func() string) Option {
	return func(c *Client) { c.newID = next }
}
