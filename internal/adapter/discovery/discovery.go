// Package discovery finds OpenClaw gateways advertised on the local network.
package discovery

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"openclawchat/internal/domain"
)

const (
	// ServiceType is the DNS-SD service gateways advertise.
	ServiceType = "_openclaw-gw._tcp"
	// ServiceDomain is the mDNS browse domain.
	ServiceDomain = "local."
	// DefaultScanTimeout bounds a Scan when the caller's context has no
	// earlier deadline.
	DefaultScanTimeout = 3 * time.Second
)

// Discoverer scans the network for gateways.
type Discoverer interface {
	Scan(ctx context.Context) ([]domain.GatewayEndpoint, error)
}

// endpointFromRecord builds an endpoint from a resolved service record. TXT
// keys override what the record itself says: lanHost replaces the resolved
// address, gatewayPort the SRV port.
func endpointFromRecord(instance, hostName, addr string, port int, txt []string) domain.GatewayEndpoint {
	meta := parseTXTRecords(txt)

	host := meta["lanHost"]
	if host == "" {
		host = addr
	}
	if host == "" {
		host = strings.TrimSuffix(hostName, ".")
	}
	if p, err := strconv.Atoi(meta["gatewayPort"]); err == nil && p > 0 && p <= 65535 {
		port = p
	}
	name := unescapeInstance(instance)
	display := meta["displayName"]
	if display == "" {
		display = name
	}

	return domain.GatewayEndpoint{
		Name:        name,
		DisplayName: display,
		Host:        host,
		Port:        port,
		TLS:         parseBool(meta["gatewayTls"]),
		Metadata:    meta,
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// unescapeInstance decodes DNS-SD escapes such as "\032" for a space.
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		if i+3 < len(s) {
			if n, err := strconv.Atoi(s[i+1 : i+4]); err == nil && n < 256 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

// dedupe keeps the first endpoint per name and orders the result by name.
func dedupe(eps []domain.GatewayEndpoint) []domain.GatewayEndpoint {
	seen := make(map[string]bool, len(eps))
	out := make([]domain.GatewayEndpoint, 0, len(eps))
	for _, ep := range eps {
		if seen[ep.Name] {
			continue
		}
		seen[ep.Name] = true
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
