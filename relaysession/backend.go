// SPDX-License-Identifier: GPL-3.0-or-later

// Package relaysession provides the default [tunneld.WorkerBackend]: a
// goroutine-per-client session worker that relays bytes between a client
// leg and a remote leg, terminating or originating TLS as the service's
// [tunneld.TLSContext] requires.
package relaysession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os/exec"
	"time"

	"github.com/relaysix/tunneld"
)

// Backend is the shipped [tunneld.WorkerBackend]: one goroutine per client
// session, relaying with [io.Copy] in both directions and closing both legs
// as soon as either copy ends (spec.md §5/§9 "worker backend").
type Backend struct {
	Config *tunneld.Config
	Logger tunneld.SLogger
}

var _ tunneld.WorkerBackend = &Backend{}

// New returns a [*Backend] with cfg/logger defaults filled in.
func New(cfg *tunneld.Config, logger tunneld.SLogger) *Backend {
	if cfg == nil {
		cfg = tunneld.NewConfig()
	}
	if logger == nil {
		logger = tunneld.DefaultSLogger()
	}
	return &Backend{Config: cfg, Logger: logger}
}

// Launch implements [tunneld.WorkerBackend]. Two cases:
//
//   - clientConn != nil: a forward-tunnel service. The client leg is
//     already accepted; the worker terminates TLS on it if svc.TLS is set,
//     dials the first reachable address in svc.Remote.Addresses, and pumps
//     bytes between the two legs.
//   - clientConn == nil: an exec+connect service. The worker spawns
//     svc.Remote.ExecName, wires the child's stdio as the "client" leg,
//     dials the remote exactly as above (originating TLS if svc.TLS is
//     set), and pumps bytes between child and remote.
func (b *Backend) Launch(ctx context.Context, svc *tunneld.Service, clientConn, peerConn net.Conn) error {
	if clientConn != nil {
		go b.runForward(ctx, svc, clientConn)
		return nil
	}
	return b.launchExecConnect(ctx, svc)
}

// Release implements [tunneld.WorkerBackend].
func (b *Backend) Release(svc *tunneld.Service) {
	svc.ReleaseRef()
}

func (b *Backend) runForward(ctx context.Context, svc *tunneld.Service, clientConn net.Conn) {
	defer b.Release(svc)

	local, err := b.prepareClientLeg(ctx, svc, clientConn)
	if err != nil {
		b.Logger.Info("relaySessionClientLegFailed", "service", svc.Name, "err", err)
		clientConn.Close()
		return
	}

	remote, err := b.dialRemote(ctx, svc)
	if err != nil {
		b.Logger.Info("relaySessionDialRemoteFailed", "service", svc.Name, "err", err)
		local.Close()
		return
	}

	b.pump(svc, local, remote)
}

func (b *Backend) launchExecConnect(ctx context.Context, svc *tunneld.Service) error {
	cmd := exec.CommandContext(ctx, svc.Remote.ExecName, svc.Remote.ExecArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("relaysession: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("relaysession: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("relaysession: exec start: %w", err)
	}

	child := &childConn{stdin: stdin, stdout: stdout}

	go func() {
		defer b.Release(svc)

		remote, err := b.dialRemote(ctx, svc)
		if err != nil {
			b.Logger.Info("relaySessionExecDialRemoteFailed", "service", svc.Name, "err", err)
			child.Close()
			cmd.Wait()
			return
		}

		b.pump(svc, child, remote)
		waitErr := cmd.Wait()
		b.Logger.Info("relaySessionExecConnectExited", "service", svc.Name, "err", waitErr)

		if svc.Retry.Retry {
			time.Sleep(svc.Retry.Delay)
		}
	}()

	return nil
}

// prepareClientLeg terminates TLS on clientConn if the service configures a
// TLS context, otherwise returns clientConn unchanged.
func (b *Backend) prepareClientLeg(ctx context.Context, svc *tunneld.Service, clientConn net.Conn) (net.Conn, error) {
	if svc.TLS == nil {
		return clientConn, nil
	}
	accept := tunneld.NewTLSAcceptFunc(b.Config, svc.TLS, b.Logger)
	tconn, err := accept.Call(ctx, clientConn)
	if err != nil {
		return nil, err
	}
	return tconn, nil
}

// dialRemote connects to the first address in svc.Remote.Addresses that
// accepts a connection, originating TLS toward it if svc.TLS is set.
func (b *Backend) dialRemote(ctx context.Context, svc *tunneld.Service) (net.Conn, error) {
	if len(svc.Remote.Addresses) == 0 {
		return nil, errors.New("relaysession: service has no remote addresses")
	}

	connect := tunneld.NewConnectFunc(b.Config, "tcp", b.Logger)
	observe := tunneld.NewObserveConnFunc(b.Config, b.Logger)

	var lastErr error
	for _, address := range svc.Remote.Addresses {
		addrPort, err := netip.ParseAddrPort(address)
		if err != nil {
			lastErr = fmt.Errorf("relaysession: %q: %w", address, err)
			continue
		}
		conn, err := connect.Call(ctx, addrPort)
		if err != nil {
			lastErr = err
			continue
		}
		conn, err = observe.Call(ctx, conn)
		if err != nil {
			lastErr = err
			continue
		}
		if svc.TLS == nil {
			return conn, nil
		}
		handshake := tunneld.NewTLSHandshakeFunc(b.Config, svc.TLS, b.Logger)
		tconn, err := handshake.Call(ctx, conn)
		if err != nil {
			lastErr = err
			continue
		}
		return tconn, nil
	}
	return nil, lastErr
}

// pump relays bytes between a and b in both directions, closing both legs
// as soon as either direction's copy ends.
func (b *Backend) pump(svc *tunneld.Service, a, c net.Conn) {
	defer a.Close()
	defer c.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, c)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c, a)
		done <- struct{}{}
	}()

	<-done
	b.Logger.Info("relaySessionPumpDone", slog.String("service", svc.Name))
}

// childConn adapts an exec'd child's stdin/stdout pipes into a [net.Conn]
// so the relay pump can treat it like any other connection.
type childConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

var _ net.Conn = &childConn{}

func (c *childConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *childConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *childConn) Close() error {
	err1 := c.stdin.Close()
	err2 := c.stdout.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *childConn) LocalAddr() net.Addr               { return childAddr{} }
func (c *childConn) RemoteAddr() net.Addr              { return childAddr{} }
func (c *childConn) SetDeadline(t time.Time) error      { return nil }
func (c *childConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *childConn) SetWriteDeadline(t time.Time) error { return nil }

// childAddr is a [net.Addr] stand-in for an exec'd child's stdio pipes,
// which have no network address.
type childAddr struct{}

func (childAddr) Network() string { return "exec" }
func (childAddr) String() string  { return "exec+connect" }
