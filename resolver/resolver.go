// SPDX-License-Identifier: GPL-3.0-or-later

// Package resolver provides concrete [tunneld.Resolver] implementations:
// the plain OS resolver, DNS-over-TLS, and DNS-over-HTTPS, each built from
// the same composable pipeline primitives the rest of the daemon uses for
// its own connections.
package resolver

import (
	"context"
	"net"
	"net/netip"
)

// Stdlib resolves addresses through the operating system's resolver via
// [*net.Resolver]. There is no third-party DNS stack involved here: the OS
// resolver is itself the "external collaborator" spec.md names, and the
// daemon's own dependency stack (dnscodec/dnsoverstream/dnsoverhttps) only
// comes into play for [DNSOverTLSResolver] and [DNSOverHTTPSResolver],
// which originate their own DNS exchanges instead of delegating to the OS.
type Stdlib struct {
	Resolver *net.Resolver
}

// NewStdlib returns a [*Stdlib] using [net.DefaultResolver].
func NewStdlib() *Stdlib {
	return &Stdlib{Resolver: net.DefaultResolver}
}

// Resolve implements tunneld.Resolver.
func (s *Stdlib) Resolve(ctx context.Context, network, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupNetIP(ctx, netipNetwork(network), host)
}

func netipNetwork(network string) string {
	switch network {
	case "tcp4", "udp4":
		return "ip4"
	case "tcp6", "udp6":
		return "ip6"
	default:
		return "ip"
	}
}
