// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeWorkerBackend struct {
	mu       sync.Mutex
	launched int
	launchFn func(ctx context.Context, svc *Service, clientConn, peerConn net.Conn) error
}

func (b *fakeWorkerBackend) Launch(ctx context.Context, svc *Service, clientConn, peerConn net.Conn) error {
	b.mu.Lock()
	b.launched++
	b.mu.Unlock()
	if b.launchFn != nil {
		return b.launchFn(ctx, svc, clientConn, peerConn)
	}
	if clientConn != nil {
		clientConn.Close()
	}
	svc.ReleaseRef()
	return nil
}

func (b *fakeWorkerBackend) Release(svc *Service) {
	svc.ReleaseRef()
}

func (b *fakeWorkerBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launched
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeWorkerBackend) {
	sv := NewSupervisor()
	sv.NumClients.Store(0)

	sp, err := NewSignalPipe()
	require.NoError(t, err)
	t.Cleanup(sp.Close)
	sv.SignalPipe = sp
	require.NoError(t, sv.PollSet.Add(sp.ReadFD(), true, false))

	backend := &fakeWorkerBackend{}
	sv.Backend = backend

	sv.Dispatcher = &ControlDispatcher{
		Services:   sv.Services,
		PollSet:    sv.PollSet,
		Inherited:  sv.Inherited,
		SignalPipe: sp,
		Logger:     sv.Logger,
	}

	return sv, backend
}

func TestAcceptLoopAcceptsConnectionAndLaunchesWorker(t *testing.T) {
	sv, backend := newTestSupervisor(t)

	svc := NewService("web", []ListenEndpoint{{Network: "tcp", Address: "127.0.0.1:0"}}, RemoteSpec{})
	sv.Services.Link(svc)
	require.NoError(t, BindPorts(sv.Services, sv.PollSet, nil, sv.Logger))
	t.Cleanup(func() { UnbindPorts(sv.Services, sv.PollSet, sv.SignalPipe.ReadFD(), sv.Inherited, sv.Logger) })

	addr := localAddrOfFD(t, svc.LocalFD[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sv.AcceptLoop(ctx) }()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return backend.count() == 1 }, time.Second, 10*time.Millisecond)

	sv.SignalPipe.Post(EventTerminate)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("accept loop did not terminate")
	}
}

func TestAcceptLoopRejectsOverMaxClients(t *testing.T) {
	sv, backend := newTestSupervisor(t)
	sv.Services.Global.MaxClients = 1
	sv.NumClients.Store(1)

	svc := NewService("web", []ListenEndpoint{{Network: "tcp", Address: "127.0.0.1:0"}}, RemoteSpec{})
	sv.Services.Link(svc)
	require.NoError(t, BindPorts(sv.Services, sv.PollSet, nil, sv.Logger))
	t.Cleanup(func() { UnbindPorts(sv.Services, sv.PollSet, sv.SignalPipe.ReadFD(), sv.Inherited, sv.Logger) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sv.AcceptLoop(ctx) }()

	addr := localAddrOfFD(t, svc.LocalFD[0])
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// Give the loop time to process and reject the connection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, backend.count())

	sv.SignalPipe.Post(EventTerminate)
	<-done
}

// localAddrOfFD recovers the ephemeral port BindPorts chose by building a
// throwaway net.FileListener over a dup of fd, so closing it never touches
// the accept loop's own descriptor.
func localAddrOfFD(t *testing.T, fd int) string {
	t.Helper()
	dupFD, err := unix.Dup(fd)
	require.NoError(t, err)
	f := os.NewFile(uintptr(dupFD), "dup-listener")
	defer f.Close()
	l, err := net.FileListener(f)
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}
