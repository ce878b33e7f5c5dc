// SPDX-License-Identifier: GPL-3.0-or-later

// Package tunneld implements the supervisor of a TLS-offloading tunnel
// daemon: binding and unbinding listening endpoints, running the blocking
// accept loop, dispatching signal-driven control events (configuration
// reload, log reopen, termination, child reaping), and handing accepted
// connections off to a pluggable [WorkerBackend].
//
// # Core Components
//
//   - [SignalPipe] turns asynchronous signal delivery into a readable
//     descriptor event (a classic self-pipe).
//   - [PollSet] is a readiness set over a dynamic collection of descriptors.
//   - [Service] / [ServiceList] hold the configured services as an
//     intrusive singly-linked chain behind a read/write lock.
//   - [BindPorts] / [UnbindPorts] open, bind, listen on, and tear down
//     per-service listening sockets, integrating descriptors inherited
//     from a service manager via systemd socket activation.
//   - [ChangeRoot] / [DropPrivileges] perform the one-shot privileged
//     transitions a daemon needs before it drops root.
//   - [ReapNoHang] / [ReapHang] reap exited children.
//   - [ControlDispatcher] decodes one-byte events from the signal pipe
//     into reload/reopen/terminate/reap actions.
//   - [Supervisor.AcceptLoop] is the blocking readiness loop tying all of
//     the above together: readiness, dispatch or accept, admission,
//     handoff.
//   - [Lifecycle.MainInit] / [Lifecycle.MainConfigure] /
//     [Lifecycle.MainCleanup] are the daemon's one-time, configured, and
//     final lifecycle steps.
//
// # Composable Primitives
//
// Connection setup still follows the [Func] pipeline shape: a typed
// operation with exactly one success mode and one failure mode, composable
// via [Compose2]/[Compose3]/[Compose4]. The accept loop itself only hands
// the raw accepted connection to the [WorkerBackend]. The shipped backend
// (relaysession) applies [TLSAcceptFunc] to the client leg of
// TLS-terminating services and calls [ConnectFunc], [ObserveConnFunc] and,
// when TLS is configured, [TLSHandshakeFunc] one after another to reach
// the remote peer.
//
// # External Collaborators
//
// The supervisor never implements TLS itself, parses application-layer
// protocols, or pumps bytes between a client and its peer. Those concerns
// are consumed through narrow interfaces ([TLSEngine], [WorkerBackend],
// [Resolver]) so the supervisor's job stays limited
// to admission control and handoff. The relaysession and resolver
// subpackages ship default implementations of those collaborators so the
// daemon is runnable end to end.
//
// # Observability
//
// Every primitive that performs I/O accepts an [SLogger] (compatible with
// [log/slog]) and an [ErrClassifier] to turn errors into short labels for
// structured logging: connect, handshake, and close events are logged at
// Info level, per-I/O events at Debug level. Each accepted connection is
// assigned a span ID via [NewSpanID], which appears on the accept log
// line only; it is not handed to the worker, so the session's later log
// lines do not carry it.
package tunneld
