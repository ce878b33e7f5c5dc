// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and real
// *tls.Conn values from both Client and Server.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())

	mockConn := newMinimalConn()

	client := engine.Client(mockConn, &tls.Config{})
	_, ok := client.(*tls.Conn)
	assert.True(t, ok)

	server := engine.Server(mockConn, &tls.Config{})
	_, ok = server.(*tls.Conn)
	assert.True(t, ok)
}

// NewTLSContext wraps a non-nil config with the stdlib engine.
func TestNewTLSContext(t *testing.T) {
	config := &tls.Config{ServerName: "example.com"}
	tctx := NewTLSContext(config)

	require.NotNil(t, tctx)
	assert.Same(t, config, tctx.Config)
	assert.Equal(t, TLSEngineStdlib{}, tctx.Engine)
}

// FlushExpiring marks the cache live until the expiry elapses.
func TestTLSContextFlushExpiring(t *testing.T) {
	tctx := NewTLSContext(&tls.Config{})

	// Never flushed: always live.
	assert.True(t, tctx.sessionCacheLive(time.Now))

	tctx.FlushExpiring(10 * time.Millisecond)
	assert.True(t, tctx.sessionCacheLive(time.Now))

	future := func() time.Time { return time.Now().Add(time.Hour) }
	assert.False(t, tctx.sessionCacheLive(future))
}

// clone drops the client session cache once the context has expired.
func TestTLSContextCloneDropsSessionCacheAfterExpiry(t *testing.T) {
	cache := tls.NewLRUClientSessionCache(4)
	tctx := NewTLSContext(&tls.Config{ClientSessionCache: cache})

	clone := tctx.clone(time.Now)
	assert.Equal(t, cache, clone.ClientSessionCache)

	tctx.FlushExpiring(0)
	clone = tctx.clone(func() time.Time { return time.Now().Add(time.Second) })
	assert.Nil(t, clone.ClientSessionCache)
}

// NewTLSHandshakeFunc populates all fields from Config, the TLS context,
// and the provided logger.
func TestNewTLSHandshakeFunc(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{ServerName: "example.com"})
	logger := DefaultSLogger()

	fn := NewTLSHandshakeFunc(cfg, tctx, logger)

	require.NotNil(t, fn)
	assert.Same(t, tctx, fn.Context)
	assert.NotNil(t, fn.Engine)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call returns the TLSConn on successful client handshake.
func TestTLSHandshakeFuncSuccess(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{ServerName: "example.com"})

	wantState := tls.ConnectionState{
		Version:            tls.VersionTLS13,
		CipherSuite:        tls.TLS_AES_128_GCM_SHA256,
		NegotiatedProtocol: "h2",
	}

	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return wantState
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}

	fn := NewTLSHandshakeFunc(cfg, tctx, DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, wantState, result.ConnectionState())
}

// Call closes the connection and returns nil on client handshake failure.
func TestTLSHandshakeFuncError(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{ServerName: "example.com"})
	wantErr := errors.New("handshake failed")

	closeCalled := false
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	mockTLSConn.FuncConn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}

	fn := NewTLSHandshakeFunc(cfg, tctx, DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.ErrorIs(t, err, wantErr)
	assert.Nil(t, result)
	assert.True(t, closeCalled)
}

// NewTLSAcceptFunc populates all fields from Config, the TLS context, and
// the provided logger.
func TestNewTLSAcceptFunc(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{})
	logger := DefaultSLogger()

	fn := NewTLSAcceptFunc(cfg, tctx, logger)

	require.NotNil(t, fn)
	assert.Same(t, tctx, fn.Context)
	assert.NotNil(t, fn.Engine)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call terminates TLS using Engine.Server and returns the TLSConn on success.
func TestTLSAcceptFuncSuccess(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{})

	serverCalled := false
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{Version: tls.VersionTLS13}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}

	fn := NewTLSAcceptFunc(cfg, tctx, DefaultSLogger())
	fn.Engine = &fakeTLSEngine{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn { return mockTLSConn },
		ServerFunc: func(c net.Conn, config *tls.Config) TLSConn {
			serverCalled = true
			return mockTLSConn
		},
		NameFunc:   func() string { return "mock" },
		ParrotFunc: func() string { return "" },
	}

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, serverCalled)
}

// Call closes the connection and returns nil on server handshake failure.
func TestTLSAcceptFuncError(t *testing.T) {
	cfg := NewConfig()
	tctx := NewTLSContext(&tls.Config{})
	wantErr := errors.New("handshake failed")

	closeCalled := false
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	mockTLSConn.FuncConn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}

	fn := NewTLSAcceptFunc(cfg, tctx, DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.ErrorIs(t, err, wantErr)
	assert.Nil(t, result)
	assert.True(t, closeCalled)
}
