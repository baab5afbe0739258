package domain

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// ProtocolVersion is the gateway protocol version this client speaks.
const ProtocolVersion = 3

// Well-known gateway event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
)

// Role and scope defaults for operator clients.
const (
	RoleOperator       = "operator"
	ScopeOperatorRead  = "operator.read"
	ScopeOperatorWrite = "operator.write"
)

// ClientInfo describes this client to the gateway during connect.
type ClientInfo struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"displayName,omitempty" yaml:"display_name"`
	Version     string `json:"version" yaml:"version"`
	Platform    string `json:"platform" yaml:"platform"`
	Mode        string `json:"mode" yaml:"mode"`
	InstanceID  string `json:"instanceId,omitempty" yaml:"instance_id"`
}

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// HelloOK is the gateway's reply to a successful connect request.
type HelloOK struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features FeatureSet      `json:"features"`
	Policy   GatewayPolicy   `json:"policy"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// ServerInfo identifies the gateway process.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// FeatureSet lists the methods and events the gateway exposes.
type FeatureSet struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HasMethod reports whether the gateway advertises method.
func (f FeatureSet) HasMethod(method string) bool {
	for _, m := range f.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// GatewayPolicy carries the limits the gateway enforces on this connection.
type GatewayPolicy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
}

// TickInterval returns the server heartbeat interval, zero when unset.
func (p GatewayPolicy) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// GatewayEvent is a server-push event that is not consumed internally.
type GatewayEvent struct {
	Event   string          `json:"event"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GatewayEndpoint is a gateway found on the local network.
type GatewayEndpoint struct {
	Name        string
	DisplayName string
	Host        string
	Port        int
	TLS         bool
	Metadata    map[string]string
}

// URL returns the WebSocket URL of the endpoint.
func (e GatewayEndpoint) URL() string {
	scheme := "ws"
	if e.TLS {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
