// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// fakeTLSEngine is a [TLSEngine] fake for unit testing, returning the same
// [TLSConn] for both Client and Server.
type fakeTLSEngine struct {
	ClientFunc func(net.Conn, *tls.Config) TLSConn
	ServerFunc func(net.Conn, *tls.Config) TLSConn
	NameFunc   func() string
	ParrotFunc func() string
}

var _ TLSEngine = &fakeTLSEngine{}

func (e *fakeTLSEngine) Client(c net.Conn, config *tls.Config) TLSConn {
	return e.ClientFunc(c, config)
}

func (e *fakeTLSEngine) Server(c net.Conn, config *tls.Config) TLSConn {
	return e.ServerFunc(c, config)
}

func (e *fakeTLSEngine) Name() string {
	return e.NameFunc()
}

func (e *fakeTLSEngine) Parrot() string {
	return e.ParrotFunc()
}

// newMockTLSEngine returns a [*fakeTLSEngine] that wraps the given
// [TLSConn]. Client and Server both return conn, Name returns "mock", and
// Parrot returns "".
func newMockTLSEngine(conn TLSConn) *fakeTLSEngine {
	return &fakeTLSEngine{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		ServerFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}
