// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// PollSet is a mutable set of descriptors with read/write interest,
// implemented on portable poll(2) via [unix.Poll]. At the connection counts
// this daemon operates at, an epoll-specific implementation buys nothing;
// see DESIGN.md.
//
// Single-reader discipline: only the supervisor goroutine may call
// [PollSet.Wait]; [PollSet.Add] and [PollSet.Remove] must also only be
// called from the supervisor goroutine (spec §4.2/§5).
type PollSet struct {
	entries map[int]*pollEntry
	closed  bool
}

type pollEntry struct {
	fd         int
	wantRead   bool
	wantWrite  bool
	lastEvents int16
}

// NewPollSet returns an empty, ready-to-use [*PollSet].
func NewPollSet() *PollSet {
	return &PollSet{entries: make(map[int]*pollEntry)}
}

// Add registers fd with the given read/write interest. Re-adding an
// existing fd updates its interest.
func (ps *PollSet) Add(fd int, wantRead, wantWrite bool) error {
	if ps.closed {
		return ErrPollSetClosed
	}
	ps.entries[fd] = &pollEntry{fd: fd, wantRead: wantRead, wantWrite: wantWrite}
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was never
// added (bind/unbind races are tolerated, consistent with spec §4.3's
// "removed from the Poll Set" language for inherited descriptors).
func (ps *PollSet) Remove(fd int) {
	delete(ps.entries, fd)
}

// Wait blocks until at least one registered descriptor is ready or
// timeoutMS elapses (-1 blocks indefinitely), then returns the number of
// ready descriptors. This is the daemon's one suspension point (spec §5).
func (ps *PollSet) Wait(timeoutMS int) (int, error) {
	if ps.closed {
		return 0, ErrPollSetClosed
	}
	if len(ps.entries) == 0 {
		return 0, nil
	}

	pfds := make([]unix.PollFd, 0, len(ps.entries))
	order := make([]int, 0, len(ps.entries))
	for fd, e := range ps.entries {
		var events int16
		if e.wantRead {
			events |= unix.POLLIN
		}
		if e.wantWrite {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		order = append(order, fd)
	}

	n, err := unix.Poll(pfds, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("tunneld: poll wait failed: %w", err)
	}

	for i, pfd := range pfds {
		if e, ok := ps.entries[order[i]]; ok {
			e.lastEvents = pfd.Revents
		}
	}
	return n, nil
}

// CanRead reports whether fd was reported readable (or errored/hung up,
// which also unblocks a read so the caller observes EOF/error) by the most
// recent [PollSet.Wait].
func (ps *PollSet) CanRead(fd int) bool {
	e, ok := ps.entries[fd]
	if !ok {
		return false
	}
	return e.lastEvents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

// Dump logs the current descriptor set at debug level, for diagnostics.
// [Supervisor.AcceptLoop] calls this once per ready iteration, mirroring
// the original daemon's per-iteration poll-set dump at its debug log level.
func (ps *PollSet) Dump(logger SLogger) {
	for fd, e := range ps.entries {
		logger.Debug("pollSetEntry",
			slog.Int("fd", fd),
			slog.Bool("wantRead", e.wantRead),
			slog.Bool("wantWrite", e.wantWrite),
		)
	}
}

// Len returns the number of registered descriptors.
func (ps *PollSet) Len() int {
	return len(ps.entries)
}

// Free marks the poll set closed. Subsequent operations return
// [ErrPollSetClosed]. It does not close any of the registered descriptors:
// ownership of those belongs to [BindPorts]/[UnbindPorts].
func (ps *PollSet) Free() {
	ps.closed = true
	ps.entries = nil
}
