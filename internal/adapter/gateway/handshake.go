package gateway

import (
	"openclawchat/internal/domain"
	"openclawchat/internal/security"
)

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type connectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// connectParams is the params object of the connect request.
type connectParams struct {
	MinProtocol int               `json:"minProtocol"`
	MaxProtocol int               `json:"maxProtocol"`
	Client      domain.ClientInfo `json:"client"`
	Role        string            `json:"role"`
	Scopes      []string          `json:"scopes"`
	Caps        []string          `json:"caps"`
	Auth        *connectAuth      `json:"auth,omitempty"`
	Device      *connectDevice    `json:"device,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
}

// buildConnectParams answers a challenge. The device block is signed over
// the canonical payload using the challenge nonce and signedAtMs.
func buildConnectParams(cfg Config, challenge domain.Challenge, signedAtMs int64) connectParams {
	p := connectParams{
		MinProtocol: domain.ProtocolVersion,
		MaxProtocol: domain.ProtocolVersion,
		Client:      cfg.Client,
		Role:        cfg.Role,
		Scopes:      nonNil(cfg.Scopes),
		Caps:        nonNil(cfg.Caps),
		Locale:      cfg.Locale,
		UserAgent:   cfg.UserAgent,
	}
	if cfg.Token != "" || cfg.Password != "" {
		p.Auth = &connectAuth{Token: cfg.Token, Password: cfg.Password}
	}

	if id := cfg.Identity; id != nil {
		payload := security.BuildDeviceAuthPayload(security.DeviceAuthParams{
			DeviceID:   id.DeviceID,
			ClientID:   cfg.Client.ID,
			ClientMode: cfg.Client.Mode,
			Role:       cfg.Role,
			Scopes:     cfg.Scopes,
			SignedAtMs: signedAtMs,
			Token:      cfg.Token,
			Nonce:      challenge.Nonce,
		})
		p.Device = &connectDevice{
			ID:        id.DeviceID,
			PublicKey: id.PublicKeyBase64URL(),
			Signature: id.Sign(payload),
			SignedAt:  signedAtMs,
			Nonce:     challenge.Nonce,
		}
	}
	return p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
