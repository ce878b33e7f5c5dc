// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"sync"
	"sync/atomic"
	"time"
)

// unboundFD is the sentinel value for a [Service.LocalFD] slot that has not
// been bound to a listening descriptor.
const unboundFD = -1

// ListenEndpoint is one local address a [Service] listens on.
//
// Network is "tcp" for IP-based endpoints or "unix" for filesystem-path
// endpoints. Address is the dial/listen address: "host:port" for "tcp",
// or a filesystem path for "unix".
type ListenEndpoint struct {
	Network string
	Address string
}

// RemoteSpec describes a service's remote peer: either a list of addresses
// to connect to, or a child-process command to exec and connect on its
// behalf (mutually exclusive, see [Service.IsExecConnect]).
type RemoteSpec struct {
	Addresses []string
	ExecName  string
	ExecArgs  []string
}

// FileOwner is the uid/gid applied to a filesystem-path [ListenEndpoint]
// after bind (see [ChownEndpoint]). Zero values mean "leave as created".
type FileOwner struct {
	UID int
	GID int
}

// RetryPolicy is the retry setting of an exec+connect service. The shipped
// relaysession backend waits Delay after the child exits when Retry is set;
// it does not relaunch the child or reconnect. [UnbindPorts] clears Retry.
type RetryPolicy struct {
	Retry bool
	Delay time.Duration
}

// GlobalOptions carries process-wide configuration not owned by any one
// service: the chroot directory, privilege-drop identity, the admission
// limit on concurrent clients, and the PID file path.
type GlobalOptions struct {
	ChrootDir  string
	SetUID     int
	SetGID     int
	MaxClients int
	PIDFile    string
}

// Service is one configured logical tunnel: a set of local listening
// endpoints (or an exec+connect remote, or neither for an SNI slave), a
// remote peer, and the TLS context covering both legs.
//
// Services are linked into an intrusive singly-linked chain rooted at
// [ServiceList]'s sentinel. Only the supervisor goroutine mutates Next;
// readers elsewhere must hold at least the [ServiceList] read lock or rely
// on having captured a *Service snapshot at accept time.
type Service struct {
	mu sync.Mutex // not used: RefCount is updated with sync/atomic; chain links are owned by ServiceList.mu

	Name string
	Next *Service

	Listen     []ListenEndpoint
	LocalFD    []int // unboundFD sentinel, or a pollset-registered listening fd
	BoundPorts int

	Remote   RemoteSpec
	TLS      *TLSContext
	RefCount int32 // atomic; bridges accept-time capture to worker-time release

	SessionTimeout time.Duration
	Owner          FileOwner
	Retry          RetryPolicy
	TLSSlave       bool // SNI-matched slave, no local endpoint
}

// NewService returns a [*Service] with LocalFD pre-sized to len(listen)
// and every slot set to unboundFD.
func NewService(name string, listen []ListenEndpoint, remote RemoteSpec) *Service {
	localFD := make([]int, len(listen))
	for i := range localFD {
		localFD[i] = unboundFD
	}
	return &Service{
		Name:    name,
		Listen:  listen,
		LocalFD: localFD,
		Remote:  remote,
	}
}

// IsExecConnect reports whether this service has no local listening
// endpoints and instead spawns a child process and connects on its behalf.
func (s *Service) IsExecConnect() bool {
	return len(s.Listen) == 0 && s.Remote.ExecName != "" && !s.TLSSlave
}

// AcquireRef increments the service's reference count, bridging accept-time
// capture to the eventual worker-time [Service.ReleaseRef].
func (s *Service) AcquireRef() int32 {
	return atomic.AddInt32(&s.RefCount, 1)
}

// ReleaseRef decrements the service's reference count and returns the
// post-decrement value. A service with RefCount 0 that has been unlinked
// from the chain is eligible for [Service.destroy].
func (s *Service) ReleaseRef() int32 {
	return atomic.AddInt32(&s.RefCount, -1)
}

// destroy flushes the service's TLS context session cache with an expiry
// of SessionTimeout from now (immediate when SessionTimeout is not
// positive). Called once, from [UnbindPorts], after a service has been
// unlinked and either every worker holding a reference has released it or
// the SessionTimeout wait has run out; with no SessionTimeout it is called
// without waiting (see spec §3 "Destroyed").
func (s *Service) destroy() {
	if s.TLS != nil {
		expiry := s.SessionTimeout
		if expiry <= 0 {
			expiry = 0
		}
		s.TLS.FlushExpiring(expiry)
	}
}

// ServiceList is the process-wide chain of active services, rooted at a
// sentinel head that also carries [GlobalOptions]. The mutex is the
// "Sections" lock of spec §3/§4.8: bind/unbind transitions take it for
// writing; the steady-state accept loop walks the chain without it,
// relying on the invariant that only the supervisor goroutine mutates Next.
type ServiceList struct {
	mu     sync.RWMutex
	head   *Service // sentinel; Name == "", never itself a real service
	Global GlobalOptions
}

// NewServiceList returns an empty [*ServiceList].
func NewServiceList() *ServiceList {
	return &ServiceList{head: &Service{}}
}

// Link appends svc to the end of the chain under the write lock.
func (sl *ServiceList) Link(svc *Service) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cur := sl.head
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = svc
}

// Walk calls fn for every linked service in declaration order, without
// holding the lock for the duration of fn (consistent with the
// steady-state, lock-free accept-loop read pattern of spec §3/§5). Callers
// that need a stable read lock across the whole walk should use
// [ServiceList.WalkLocked].
func (sl *ServiceList) Walk(fn func(*Service) bool) {
	for cur := sl.head.Next; cur != nil; cur = cur.Next {
		if !fn(cur) {
			return
		}
	}
}

// WalkLocked calls fn for every linked service in declaration order while
// holding the read lock. Use for snapshots that must not race a concurrent
// [ServiceList.Replace] (e.g. log-configuration snapshots, spec §4.8).
func (sl *ServiceList) WalkLocked(fn func(*Service) bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	for cur := sl.head.Next; cur != nil; cur = cur.Next {
		if !fn(cur) {
			return
		}
	}
}

// Detach atomically replaces the chain with an empty one and returns the
// previously-linked head service (nil if none), for the caller to walk and
// tear down outside the lock. [UnbindPorts] calls it right after pruning
// the poll set down to the signal pipe.
func (sl *ServiceList) Detach() *Service {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	detached := sl.head.Next
	sl.head.Next = nil
	return detached
}

// Replace installs a freshly-built chain (the sentinel's Next) as the
// active one, under the write lock. Used by reload after the old chain has
// been detached and torn down.
func (sl *ServiceList) Replace(newHead *Service) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.head.Next = newHead
}
