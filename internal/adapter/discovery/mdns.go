//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"openclawchat/internal/domain"
)

// MDNSDiscoverer browses for gateways via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewMDNSDiscoverer creates an MDNSDiscoverer. A zero timeout uses
// DefaultScanTimeout.
func NewMDNSDiscoverer(logger *slog.Logger, timeout time.Duration) *MDNSDiscoverer {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &MDNSDiscoverer{logger: logger, timeout: timeout}
}

// Default returns the mDNS discoverer.
func Default(logger *slog.Logger, timeout time.Duration) Discoverer {
	return NewMDNSDiscoverer(logger, timeout)
}

// Scan browses for the scan window and returns every gateway seen.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]domain.GatewayEndpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []domain.GatewayEndpoint
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			ep := entryToEndpoint(entry)
			mu.Lock()
			found = append(found, ep)
			mu.Unlock()
			d.logger.Debug("mdns discovered gateway", "name", ep.Name, "url", ep.URL())
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return dedupe(found), nil
}

func entryToEndpoint(entry *zeroconf.ServiceEntry) domain.GatewayEndpoint {
	var addr string
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		addr = entry.AddrIPv6[0].String()
	}
	return endpointFromRecord(entry.ServiceRecord.Instance, entry.HostName, addr, entry.Port, entry.Text)
}
