//go:build !mdns

package discovery

import (
	"log/slog"
	"time"
)

// Default returns a NoopDiscoverer; build with the mdns tag for real discovery.
func Default(_ *slog.Logger, _ time.Duration) Discoverer {
	return NewNoopDiscoverer()
}
