//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package tunneld

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn], used by services that
	// originate TLS toward a remote peer (exec+connect, forward tunnel).
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Server builds a new server [TLSConn], used by services that
	// terminate TLS from an accepted client connection.
	Server(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSEngine].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// TLSContext owns the [*tls.Config] for one service and the service's TLS
// session cache.
//
// A service's TLS context is shared, read-only, among every client session
// that captured it at accept time (see [Service]). When the owning service
// is unlinked from the registry during unbind, [TLSContext.FlushExpiring]
// is called once: it does not invalidate sessions immediately (in-flight
// workers may still be using the underlying config to resume a session)
// but schedules the embedded [tls.ClientSessionCache] to stop yielding
// cache hits once the service's session timeout has elapsed, forcing
// staleness without racing the workers still reading the old config.
type TLSContext struct {
	mu     sync.Mutex
	Config *tls.Config
	Engine TLSEngine

	expireAt time.Time // zero means "not flushed"
}

// NewTLSContext returns a new [*TLSContext] wrapping the given [*tls.Config].
func NewTLSContext(config *tls.Config) *TLSContext {
	runtimex.Assert(config != nil)
	return &TLSContext{Config: config, Engine: TLSEngineStdlib{}}
}

// FlushExpiring arranges for the session cache to stop serving resumptions
// after expiry elapses. Called once, from [UnbindPorts], on the retiring
// service's TLS context.
func (tc *TLSContext) FlushExpiring(expiry time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.expireAt = time.Now().Add(expiry)
}

// sessionCacheLive reports whether the session cache is still usable for
// resumption, i.e. either never flushed or flushed but not yet expired.
func (tc *TLSContext) sessionCacheLive(now func() time.Time) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.expireAt.IsZero() || now().Before(tc.expireAt)
}

// clone returns a config clone suitable for one handshake, dropping the
// client session cache once the context has expired so resumption against
// a retiring context silently falls back to a full handshake.
func (tc *TLSContext) clone(now func() time.Time) *tls.Config {
	config := tc.Config.Clone()
	config.Time = now
	if !tc.sessionCacheLive(now) {
		config.ClientSessionCache = nil
	}
	return config
}

// NewTLSHandshakeFunc returns a new [*TLSHandshakeFunc] for client-side
// (origination) TLS, used by exec+connect and forward-tunnel services.
//
// The cfg argument contains the common configuration for tunneld operations.
//
// The tctx argument is the [*TLSContext] owning the TLS configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSHandshakeFunc(cfg *Config, tctx *TLSContext, logger SLogger) *TLSHandshakeFunc {
	runtimex.Assert(tctx != nil)
	return &TLSHandshakeFunc{
		Context:       tctx,
		Engine:        tctx.Engine,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// TLSHandshakeFunc performs a client-side TLS handshake over an existing
// [net.Conn], i.e. it originates TLS toward a remote peer.
//
// Returns either a valid [TLSConn] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type TLSHandshakeFunc struct {
	// Context is the [*TLSContext] owning the configuration to clone per call.
	//
	// Set by [NewTLSHandshakeFunc].
	Context *TLSContext

	// Engine is the [TLSEngine] to use to handshake.
	//
	// Set by [NewTLSHandshakeFunc] from [TLSContext.Engine].
	Engine TLSEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTLSHandshakeFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	TimeNow func() time.Time
}

var _ Func[net.Conn, TLSConn] = &TLSHandshakeFunc{}

// Call invokes the [*TLSHandshakeFunc] to create a client [TLSConn] from a [net.Conn].
func (op *TLSHandshakeFunc) Call(ctx context.Context, conn net.Conn) (TLSConn, error) {
	config := op.Context.clone(op.TimeNow)
	tconn := op.Engine.Client(conn, config)
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logHandshakeStart("tlsHandshakeStart", conn, t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	op.logHandshakeDone("tlsHandshakeDone", conn, t0, deadline, config, err, state)
	return finishTLSHandshake(tconn, err)
}

// NewTLSAcceptFunc returns a new [*TLSAcceptFunc] for server-side
// (termination) TLS, used by services that terminate TLS from clients.
func NewTLSAcceptFunc(cfg *Config, tctx *TLSContext, logger SLogger) *TLSAcceptFunc {
	runtimex.Assert(tctx != nil)
	return &TLSAcceptFunc{
		Context:       tctx,
		Engine:        tctx.Engine,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// TLSAcceptFunc performs a server-side TLS handshake over an accepted
// [net.Conn], i.e. it terminates TLS from a client.
//
// Mirrors [TLSHandshakeFunc] but calls [TLSEngine.Server] instead of
// [TLSEngine.Client]. Returns either a valid [TLSConn] or an error, never
// both; on error the input connection is closed.
type TLSAcceptFunc struct {
	Context       *TLSContext
	Engine        TLSEngine
	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time
}

var _ Func[net.Conn, TLSConn] = &TLSAcceptFunc{}

// Call invokes the [*TLSAcceptFunc] to create a server [TLSConn] from a [net.Conn].
func (op *TLSAcceptFunc) Call(ctx context.Context, conn net.Conn) (TLSConn, error) {
	config := op.Context.clone(op.TimeNow)
	tconn := op.Engine.Server(conn, config)
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logHandshakeStart("tlsAcceptStart", conn, t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	op.logHandshakeDone("tlsAcceptDone", conn, t0, deadline, config, err, state)
	return finishTLSHandshake(tconn, err)
}

func finishTLSHandshake(conn TLSConn, err error) (TLSConn, error) {
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (op *TLSHandshakeFunc) logHandshakeStart(event string,
	conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config) {
	logTLSHandshakeStart(op.Logger, op.Engine, event, conn, t0, deadline, config)
}

func (op *TLSHandshakeFunc) logHandshakeDone(event string,
	conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	logTLSHandshakeDone(op.Logger, op.ErrClassifier, op.Engine, event, conn, t0, op.TimeNow(), deadline, config, err, state)
}

func (op *TLSAcceptFunc) logHandshakeStart(event string,
	conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config) {
	logTLSHandshakeStart(op.Logger, op.Engine, event, conn, t0, deadline, config)
}

func (op *TLSAcceptFunc) logHandshakeDone(event string,
	conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	logTLSHandshakeDone(op.Logger, op.ErrClassifier, op.Engine, event, conn, t0, op.TimeNow(), deadline, config, err, state)
}

func logTLSHandshakeStart(logger SLogger, engine TLSEngine, event string,
	conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config) {
	logger.Info(
		event,
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", engine.Name()),
		slog.String("tlsParrot", engine.Parrot()),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func logTLSHandshakeDone(logger SLogger, classifier ErrClassifier, engine TLSEngine, event string,
	conn net.Conn, t0, tnow time.Time, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	logger.Info(
		event,
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", classifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", tnow),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", engine.Name()),
		slog.String("tlsParrot", engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.Any("tlsPeerCerts", tlsPeerCerts(state, err)),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func tlsPeerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
