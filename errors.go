// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import "errors"

// Sentinel errors for the fatal-at-init and control-path conditions of the
// supervisor (see spec §7 error handling design).
var (
	// ErrPollSetClosed is returned by [PollSet] operations after [PollSet.Free].
	ErrPollSetClosed = errors.New("tunneld: poll set is closed")

	// ErrSignalPipeRebuildFailed is returned when [SignalPipe.Rebuild] fails
	// to recreate the pipe; the daemon must terminate in this case.
	ErrSignalPipeRebuildFailed = errors.New("tunneld: signal pipe rebuild failed")

	// ErrNoBoundPorts is returned by [BindPorts] when a service declares
	// local endpoints but none of them were successfully bound.
	ErrNoBoundPorts = errors.New("tunneld: service bound zero of its declared endpoints")

	// ErrTooManyInheritedDescriptors is returned by [BindPorts] when the
	// service manager handed over more descriptors than there are
	// listening services to claim them.
	ErrTooManyInheritedDescriptors = errors.New("tunneld: more inherited descriptors than listening services")

	// ErrChrootFailed is returned by [ChangeRoot] on failure.
	ErrChrootFailed = errors.New("tunneld: chroot failed")

	// ErrDropPrivilegesFailed is returned by [DropPrivileges] when critical
	// is true and any privilege transition fails.
	ErrDropPrivilegesFailed = errors.New("tunneld: drop privileges failed")

	// ErrExecConnectStartFailed is returned by [Supervisor.startExecConnect]
	// when launching an exec+connect service fails; fatal at startup. A
	// reload does not start exec+connect services, so it never returns this.
	ErrExecConnectStartFailed = errors.New("tunneld: exec+connect service start failed")

	// ErrReloadFailed names a failed reload. No code path in this package
	// returns it: [ControlDispatcher.Dispatch] reports a reload whose bind
	// pass fails as [DispatchTerminate] and logs the underlying cause.
	ErrReloadFailed = errors.New("tunneld: reload failed")

	// ErrTooManyClients is the admission-control rejection for a service at
	// its configured MaxClients.
	ErrTooManyClients = errors.New("tunneld: too many clients")

	// ErrUnknownSignal marks a byte read off the signal pipe that does not
	// correspond to a known control event or reaped host signal.
	ErrUnknownSignal = errors.New("tunneld: unknown control event")
)
