package clawsdk

import (
	"log/slog"
	"time"

	"openclawchat/internal/adapter/gateway"
	"openclawchat/internal/domain"
	"openclawchat/internal/security"
)

// DefaultConnectTimeout bounds Dial when no WithTimeout option is given.
const DefaultConnectTimeout = 10 * time.Second

// Option configures Dial and Watch.
type Option func(*options)

type options struct {
	url            string
	token          string
	password       string
	identityPath   string
	passphrase     string
	identity       *security.DeviceIdentity
	client         domain.ClientInfo
	role           string
	scopes         []string
	caps           []string
	locale         string
	userAgent      string
	readLimit      int64
	logger         *slog.Logger
	timeout        time.Duration
	requestTimeout time.Duration
	reconnect      ReconnectPolicy
}

// ReconnectPolicy paces Watch redials. Zero fields take defaults.
type ReconnectPolicy struct {
	MinInterval time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

func defaultOptions() options {
	return options{
		url:            gateway.DefaultURL,
		logger:         slog.Default(),
		timeout:        DefaultConnectTimeout,
		requestTimeout: 30 * time.Second,
	}
}

// WithURL sets the gateway WebSocket URL.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithToken sets the shared gateway token.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithPassword sets the gateway password.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

// WithIdentityPath loads the device identity from path, creating it on
// first use. Without an identity the client authenticates by token or
// password only.
func WithIdentityPath(path string) Option {
	return func(o *options) { o.identityPath = path }
}

// WithPassphrase seals the identity's private key at rest.
func WithPassphrase(passphrase string) Option {
	return func(o *options) { o.passphrase = passphrase }
}

// WithIdentity uses an already loaded identity. It takes precedence over
// WithIdentityPath.
func WithIdentity(id *security.DeviceIdentity) Option {
	return func(o *options) { o.identity = id }
}

// WithClientInfo describes this client to the gateway. Empty fields keep
// their defaults.
func WithClientInfo(info domain.ClientInfo) Option {
	return func(o *options) { o.client = info }
}

// WithRole sets the requested role, "operator" by default.
func WithRole(role string) Option {
	return func(o *options) { o.role = role }
}

// WithScopes sets the requested scopes.
func WithScopes(scopes ...string) Option {
	return func(o *options) { o.scopes = scopes }
}

// WithCaps advertises client capabilities.
func WithCaps(caps ...string) Option {
	return func(o *options) { o.caps = caps }
}

// WithLocale sets the locale reported in the connect request.
func WithLocale(locale string) Option {
	return func(o *options) { o.locale = locale }
}

// WithUserAgent sets the user agent reported in the connect request.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithReadLimit caps inbound frame size until the gateway's policy applies.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTimeout bounds the connect handshake.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRequestTimeout bounds each chat call. Zero waits indefinitely.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithReconnect sets the Watch redial policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(o *options) { o.reconnect = p }
}

// loadIdentity resolves the configured identity, if any.
func (o *options) loadIdentity() (*security.DeviceIdentity, error) {
	if o.identity != nil || o.identityPath == "" {
		return o.identity, nil
	}
	var idOpts []security.IdentityOption
	if o.passphrase != "" {
		idOpts = append(idOpts, security.WithPassphrase(o.passphrase))
	}
	id, err := security.LoadOrCreateIdentity(o.identityPath, idOpts...)
	if err != nil {
		return nil, err
	}
	o.identity = id
	return id, nil
}

func (o *options) gatewayOptions() []gateway.Option {
	gw := []gateway.Option{
		gateway.WithURL(o.url),
		gateway.WithLogger(o.logger),
		gateway.WithClientInfo(o.client),
	}
	if o.token != "" {
		gw = append(gw, gateway.WithToken(o.token))
	}
	if o.password != "" {
		gw = append(gw, gateway.WithPassword(o.password))
	}
	if o.role != "" {
		gw = append(gw, gateway.WithRole(o.role))
	}
	if len(o.scopes) > 0 {
		gw = append(gw, gateway.WithScopes(o.scopes...))
	}
	if len(o.caps) > 0 {
		gw = append(gw, gateway.WithCaps(o.caps...))
	}
	if o.locale != "" {
		gw = append(gw, gateway.WithLocale(o.locale))
	}
	if o.userAgent != "" {
		gw = append(gw, gateway.WithUserAgent(o.userAgent))
	}
	if o.readLimit > 0 {
		gw = append(gw, gateway.WithReadLimit(o.readLimit))
	}
	if o.identity != nil {
		gw = append(gw, gateway.WithIdentity(o.identity))
	}
	return gw
}
