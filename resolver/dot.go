// SPDX-License-Identifier: GPL-3.0-or-later

package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"crypto/tls"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"

	"github.com/relaysix/tunneld"
)

// DNSOverTLSResolver resolves hostnames by running a DNS-over-TLS exchange
// against a fixed upstream server on every call, composing the same
// pipeline primitives ([tunneld.ConnectFunc], [tunneld.ObserveConnFunc],
// [tunneld.CancelWatchFunc], [tunneld.TLSHandshakeFunc]) the rest of the
// daemon uses for its own outbound connections.
type DNSOverTLSResolver struct {
	Server   netip.AddrPort
	TLS      *tunneld.TLSContext
	Config   *tunneld.Config
	Logger   tunneld.SLogger
	connect  *tunneld.ConnectFunc
	observe  *tunneld.ObserveConnFunc
	cancel   *tunneld.CancelWatchFunc
	handshake *tunneld.TLSHandshakeFunc
}

// NewDNSOverTLSResolver returns a [*DNSOverTLSResolver] dialing server over
// TCP and originating TLS per tctx.
func NewDNSOverTLSResolver(server netip.AddrPort, tctx *tunneld.TLSContext, cfg *tunneld.Config, logger tunneld.SLogger) *DNSOverTLSResolver {
	if cfg == nil {
		cfg = tunneld.NewConfig()
	}
	if logger == nil {
		logger = tunneld.DefaultSLogger()
	}
	if tctx == nil {
		tctx = tunneld.NewTLSContext(&tls.Config{})
	}
	return &DNSOverTLSResolver{
		Server:    server,
		TLS:       tctx,
		Config:    cfg,
		Logger:    logger,
		connect:   tunneld.NewConnectFunc(cfg, "tcp", logger),
		observe:   tunneld.NewObserveConnFunc(cfg, logger),
		cancel:    tunneld.NewCancelWatchFunc(),
		handshake: tunneld.NewTLSHandshakeFunc(cfg, tctx, logger),
	}
}

var _ tunneld.Resolver = &DNSOverTLSResolver{}

// Resolve implements [tunneld.Resolver]. network selects which record type
// is queried: "ip4"/"tcp4"/"udp4" query A, "ip6"/"tcp6"/"udp6" query AAAA,
// anything else queries both.
func (r *DNSOverTLSResolver) Resolve(ctx context.Context, network, host string) ([]netip.Addr, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var out []netip.Addr
	if wantsA(network) {
		addrs, err := r.exchange(ctx, conn, host, dns.TypeA)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	if wantsAAAA(network) {
		addrs, err := r.exchange(ctx, conn, host, dns.TypeAAAA)
		if err != nil && len(out) == 0 {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func (r *DNSOverTLSResolver) dial(ctx context.Context) (tunneld.TLSConn, error) {
	conn, err := r.connect.Call(ctx, r.Server)
	if err != nil {
		return nil, err
	}
	conn, err = r.observe.Call(ctx, conn)
	if err != nil {
		return nil, err
	}
	conn, err = r.cancel.Call(ctx, conn)
	if err != nil {
		return nil, err
	}
	return r.handshake.Call(ctx, conn)
}

func (r *DNSOverTLSResolver) exchange(ctx context.Context, conn tunneld.TLSConn, host string, qtype uint16) ([]netip.Addr, error) {
	t0 := time.Now()
	deadline, _ := ctx.Deadline()
	r.Logger.Info("dnsOverTLSExchangeStart",
		"localAddr", safeconn.LocalAddr(conn),
		"remoteAddr", safeconn.RemoteAddr(conn),
		"deadline", deadline,
		"t", t0,
	)

	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(refusingDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, r.Server)
	so := dnsoverstream.NewTLSStreamOpener(conn)

	query := dnscodec.NewQuery(host, qtype)
	resp, err := txp.ExchangeWithStreamOpener(ctx, so, query)

	r.Logger.Info("dnsOverTLSExchangeDone", "err", err, "t0", t0, "t", time.Now())
	if err != nil {
		return nil, fmt.Errorf("tunneld/resolver: dot exchange: %w", err)
	}

	switch qtype {
	case dns.TypeAAAA:
		return resp.RecordsAAAA()
	default:
		return resp.RecordsA()
	}
}

func wantsA(network string) bool {
	return network != "ip6" && network != "tcp6" && network != "udp6"
}

func wantsAAAA(network string) bool {
	return network != "ip4" && network != "tcp4" && network != "udp4"
}

// refusingDialer panics if invoked: DNS-over-TLS exchanges reuse an
// already-established connection and must never dial (mirrors the
// teacher's dnsUnusedDialer sentinel).
type refusingDialer struct{}

func (refusingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("tunneld/resolver: dns-over-tls transport must not dial")
}
