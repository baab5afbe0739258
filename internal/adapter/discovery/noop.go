package discovery

import (
	"context"

	"openclawchat/internal/domain"
)

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct{}

// NewNoopDiscoverer creates a NoopDiscoverer.
func NewNoopDiscoverer() *NoopDiscoverer { return &NoopDiscoverer{} }

// Scan returns nil; build with the mdns tag for real discovery.
func (n *NoopDiscoverer) Scan(_ context.Context) ([]domain.GatewayEndpoint, error) {
	return nil, nil
}
