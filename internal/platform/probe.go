package platform

import (
	"context"
	"net"
	"time"
)

// Probe defaults.
const (
	DefaultProbeHost    = "google.com"
	DefaultProbeTimeout = 3 * time.Second
)

type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSProbe considers the network online when a host name resolves.
type DNSProbe struct {
	Host    string
	Timeout time.Duration

	// resolver overrides net.DefaultResolver; used in tests.
	resolver resolver
}

// IsOnline implements NetworkProbe.
func (p *DNSProbe) IsOnline(ctx context.Context) bool {
	host := p.Host
	if host == "" {
		host = DefaultProbeHost
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var r resolver = net.DefaultResolver
	if p.resolver != nil {
		r = p.resolver
	}

	addrs, err := r.LookupHost(ctx, host)
	return err == nil && len(addrs) > 0
}
