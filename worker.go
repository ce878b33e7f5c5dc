// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"net"
)

// WorkerBackend is the Go realization of the four interchangeable
// concurrency models of spec §5/§9 (process-per-client, thread-per-client,
// cooperative contexts, platform-thread): the supervisor's contract with a
// worker is identical regardless of which model launches it.
//
// Launch hands off an accepted client connection bound to svc; for
// exec+connect services it is called with nil connections and the worker
// establishes the connection itself. Release is called exactly once per successful Launch, when
// the worker has finished, to decrement svc's reference count.
type WorkerBackend interface {
	// Launch starts a session worker for clientConn. The supervisor always
	// passes a nil peerConn, and a nil clientConn for exec+connect
	// services. An error means the
	// session could not be started at all; the caller closes clientConn
	// and releases the reference itself in that case.
	Launch(ctx context.Context, svc *Service, clientConn, peerConn net.Conn) error

	// Release is called by the worker when it finishes, decrementing
	// svc's reference count.
	Release(svc *Service)
}
