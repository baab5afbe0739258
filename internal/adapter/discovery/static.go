package discovery

import (
	"context"

	"openclawchat/internal/domain"
)

// StaticDiscoverer returns a fixed endpoint list, typically from config.
type StaticDiscoverer struct {
	endpoints []domain.GatewayEndpoint
}

// NewStaticDiscoverer creates a StaticDiscoverer.
func NewStaticDiscoverer(endpoints ...domain.GatewayEndpoint) *StaticDiscoverer {
	return &StaticDiscoverer{endpoints: endpoints}
}

// Scan returns the configured endpoints.
func (s *StaticDiscoverer) Scan(ctx context.Context) ([]domain.GatewayEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return dedupe(s.endpoints), nil
}

// Multi merges the results of several discoverers. A failing discoverer is
// skipped as long as another one succeeds.
type Multi []Discoverer

// Scan runs every discoverer in order.
func (m Multi) Scan(ctx context.Context) ([]domain.GatewayEndpoint, error) {
	var all []domain.GatewayEndpoint
	var firstErr error
	ok := false
	for _, d := range m {
		eps, err := d.Scan(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok = true
		all = append(all, eps...)
	}
	if !ok && firstErr != nil {
		return nil, firstErr
	}
	return dedupe(all), nil
}
