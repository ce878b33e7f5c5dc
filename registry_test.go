// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	listen := []ListenEndpoint{{Network: "tcp", Address: "127.0.0.1:8443"}}
	svc := NewService("web", listen, RemoteSpec{Addresses: []string{"127.0.0.1:8080"}})

	require.NotNil(t, svc)
	assert.Equal(t, "web", svc.Name)
	require.Len(t, svc.LocalFD, 1)
	assert.Equal(t, unboundFD, svc.LocalFD[0])
}

func TestServiceIsExecConnect(t *testing.T) {
	t.Run("exec+connect service", func(t *testing.T) {
		svc := NewService("shell", nil, RemoteSpec{ExecName: "/bin/sh", Addresses: []string{"127.0.0.1:80"}})
		assert.True(t, svc.IsExecConnect())
	})

	t.Run("listening service is not exec+connect", func(t *testing.T) {
		svc := NewService("web", []ListenEndpoint{{Network: "tcp", Address: "127.0.0.1:8443"}}, RemoteSpec{})
		assert.False(t, svc.IsExecConnect())
	})

	t.Run("TLS slave is never exec+connect", func(t *testing.T) {
		svc := NewService("slave", nil, RemoteSpec{ExecName: "/bin/sh"})
		svc.TLSSlave = true
		assert.False(t, svc.IsExecConnect())
	})
}

func TestServiceRefCounting(t *testing.T) {
	svc := NewService("web", nil, RemoteSpec{})

	assert.Equal(t, int32(1), svc.AcquireRef())
	assert.Equal(t, int32(2), svc.AcquireRef())
	assert.Equal(t, int32(1), svc.ReleaseRef())
	assert.Equal(t, int32(0), svc.ReleaseRef())
}

func TestServiceListLinkAndWalk(t *testing.T) {
	sl := NewServiceList()
	a := NewService("a", nil, RemoteSpec{})
	b := NewService("b", nil, RemoteSpec{})

	sl.Link(a)
	sl.Link(b)

	var names []string
	sl.Walk(func(s *Service) bool {
		names = append(names, s.Name)
		return true
	})

	assert.Equal(t, []string{"a", "b"}, names)
}

func TestServiceListWalkStopsEarly(t *testing.T) {
	sl := NewServiceList()
	sl.Link(NewService("a", nil, RemoteSpec{}))
	sl.Link(NewService("b", nil, RemoteSpec{}))

	var seen int
	sl.Walk(func(s *Service) bool {
		seen++
		return false
	})

	assert.Equal(t, 1, seen)
}

func TestServiceListDetachAndReplace(t *testing.T) {
	sl := NewServiceList()
	a := NewService("a", nil, RemoteSpec{})
	sl.Link(a)

	detached := sl.Detach()
	require.Same(t, a, detached)

	var names []string
	sl.Walk(func(s *Service) bool {
		names = append(names, s.Name)
		return true
	})
	assert.Empty(t, names)

	b := NewService("b", nil, RemoteSpec{})
	sl.Replace(b)

	names = nil
	sl.Walk(func(s *Service) bool {
		names = append(names, s.Name)
		return true
	})
	assert.Equal(t, []string{"b"}, names)
}

func TestServiceDestroyFlushesTLSContext(t *testing.T) {
	svc := NewService("web", nil, RemoteSpec{})
	svc.TLS = NewTLSContext(&tls.Config{})

	svc.destroy()

	assert.False(t, svc.TLS.expireAt.IsZero())
}
