// SPDX-License-Identifier: GPL-3.0-or-later

package relaysession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysix/tunneld"
)

func TestBackendLaunchForwardRelaysBytes(t *testing.T) {
	remoteListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remoteListener.Close()

	remoteAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := remoteListener.Accept()
		if err == nil {
			remoteAccepted <- conn
		}
	}()

	svc := tunneld.NewService("web", nil, tunneld.RemoteSpec{Addresses: []string{remoteListener.Addr().String()}})

	backend := New(nil, nil)
	clientSide, workerSide := net.Pipe()

	require.NoError(t, backend.Launch(context.Background(), svc, workerSide, nil))

	var remoteConn net.Conn
	select {
	case remoteConn = <-remoteAccepted:
	case <-time.After(time.Second):
		t.Fatal("remote side never accepted")
	}
	defer remoteConn.Close()

	_, err = clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	remoteConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = remoteConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = remoteConn.Write([]byte("world"))
	require.NoError(t, err)

	buf2 := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(time.Second))
	_, err = clientSide.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf2))

	clientSide.Close()
}

func TestBackendDialRemoteNoAddresses(t *testing.T) {
	svc := tunneld.NewService("web", nil, tunneld.RemoteSpec{})
	backend := New(nil, nil)
	_, err := backend.dialRemote(context.Background(), svc)
	assert.Error(t, err)
}

func TestBackendDialRemoteAllUnreachable(t *testing.T) {
	svc := tunneld.NewService("web", nil, tunneld.RemoteSpec{Addresses: []string{"127.0.0.1:1"}})
	backend := New(nil, nil)
	_, err := backend.dialRemote(context.Background(), svc)
	assert.Error(t, err)
}
