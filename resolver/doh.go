// SPDX-License-Identifier: GPL-3.0-or-later

package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"

	"github.com/relaysix/tunneld"
)

// DNSOverHTTPSResolver resolves hostnames against a fixed DoH endpoint,
// establishing one fresh HTTP/2-or-HTTP/1.1 connection (negotiated by ALPN)
// per [DNSOverHTTPSResolver.Resolve] call, using the same
// connect/observe/cancel/handshake pipeline stages the rest of the daemon
// composes for outbound connections.
type DNSOverHTTPSResolver struct {
	Server    netip.AddrPort
	URL       string
	TLS       *tunneld.TLSContext
	Logger    tunneld.SLogger
	connect   *tunneld.ConnectFunc
	observe   *tunneld.ObserveConnFunc
	cancel    *tunneld.CancelWatchFunc
	handshake *tunneld.TLSHandshakeFunc
}

// NewDNSOverHTTPSResolver returns a [*DNSOverHTTPSResolver] dialing server
// over TCP, originating TLS per tctx, and issuing DoH requests to url (e.g.
// "https://dns.google/dns-query").
func NewDNSOverHTTPSResolver(server netip.AddrPort, url string, tctx *tunneld.TLSContext, cfg *tunneld.Config, logger tunneld.SLogger) *DNSOverHTTPSResolver {
	if cfg == nil {
		cfg = tunneld.NewConfig()
	}
	if logger == nil {
		logger = tunneld.DefaultSLogger()
	}
	if tctx == nil {
		tctx = tunneld.NewTLSContext(&tls.Config{})
	}
	return &DNSOverHTTPSResolver{
		Server:    server,
		URL:       url,
		TLS:       tctx,
		Logger:    logger,
		connect:   tunneld.NewConnectFunc(cfg, "tcp", logger),
		observe:   tunneld.NewObserveConnFunc(cfg, logger),
		cancel:    tunneld.NewCancelWatchFunc(),
		handshake: tunneld.NewTLSHandshakeFunc(cfg, tctx, logger),
	}
}

var _ tunneld.Resolver = &DNSOverHTTPSResolver{}

// Resolve implements [tunneld.Resolver]. See [DNSOverTLSResolver.Resolve]
// for the network-argument convention.
func (r *DNSOverHTTPSResolver) Resolve(ctx context.Context, network, host string) ([]netip.Addr, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	txp, closeIdle := newHTTPTransport(conn)
	defer func() {
		closeIdle()
		conn.Close()
	}()

	var out []netip.Addr
	if wantsA(network) {
		addrs, err := r.exchange(ctx, txp, conn, host, dns.TypeA)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	if wantsAAAA(network) {
		addrs, err := r.exchange(ctx, txp, conn, host, dns.TypeAAAA)
		if err != nil && len(out) == 0 {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func (r *DNSOverHTTPSResolver) dial(ctx context.Context) (tunneld.TLSConn, error) {
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

// newHTTPTransport builds a one-shot [http.RoundTripper] over conn,
// choosing HTTP/2 or HTTP/1.1 depending on the negotiated ALPN protocol
// (mirrors the teacher's HTTPConnFunc dispatch).
func newHTTPTransport(conn tunneld.TLSConn) (http.RoundTripper, func()) {
	dialer := sud.NewSingleUseDialer(conn)
	if conn.ConnectionState().NegotiatedProtocol == "h2" {
		txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		return txp, txp.CloseIdleConnections
	}
	txp := &http.Transport{
		DialContext:       dialer.DialContext,
		DialTLSContext:    dialer.DialContext,
		DisableKeepAlives: true,
	}
	return txp, txp.CloseIdleConnections
}

func (r *DNSOverHTTPSResolver) exchange(ctx context.Context, txp http.RoundTripper, conn tunneld.TLSConn, host string, qtype uint16) ([]netip.Addr, error) {
	t0 := time.Now()
	r.Logger.Info("dnsOverHTTPSExchangeStart",
		"localAddr", safeconn.LocalAddr(conn),
		"remoteAddr", safeconn.RemoteAddr(conn),
		"httpUrl", r.URL,
		"t", t0,
	)

	query := dnscodec.NewQuery(host, qtype)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("tunneld/resolver: doh request: %w", err)
	}

	httpResp, err := txp.RoundTrip(httpReq)
	if err != nil {
		r.Logger.Info("dnsOverHTTPSExchangeDone", "err", err, "t0", t0, "t", time.Now())
		return nil, fmt.Errorf("tunneld/resolver: doh round trip: %w", err)
	}

	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, nil)
	r.Logger.Info("dnsOverHTTPSExchangeDone", "err", err, "t0", t0, "t", time.Now())
	if err != nil {
		return nil, fmt.Errorf("tunneld/resolver: doh response: %w", err)
	}

	switch qtype {
	case dns.TypeAAAA:
		return resp.RecordsAAAA()
	default:
		return resp.RecordsA()
	}
}
