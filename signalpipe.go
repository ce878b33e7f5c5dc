// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is a control event tag posted on the [SignalPipe] and decoded by
// [ControlDispatcher.Dispatch].
type Event byte

// The closed enumeration of control events (spec §4.1/§9). SIGHUP,
// SIGUSR1, SIGTERM/SIGINT/SIGQUIT and SIGCHLD are all converted by the
// host signal handler to one of these tags via [SignalPipe.Post]; their
// semantics live entirely in [ControlDispatcher.Dispatch], never in the
// signal handler itself.
const (
	EventReloadConfig Event = iota + 1
	EventReopenLog
	EventTerminate
	EventChildDeath
)

// SignalPipe is a self-pipe: a pair of connected, nonblocking descriptors
// that turns asynchronous signal delivery into a readable [PollSet] event.
//
// [SignalPipe.Post] is the only method safe to call from a context that
// must be async-signal-safe: it is a single nonblocking write of one byte
// that silently swallows any error. Every other method runs on the
// supervisor goroutine.
type SignalPipe struct {
	readFD, writeFD int
}

// NewSignalPipe creates a new [*SignalPipe] with both ends set nonblocking.
func NewSignalPipe() (*SignalPipe, error) {
	sp := &SignalPipe{}
	if err := sp.open(); err != nil {
		return nil, err
	}
	return sp, nil
}

func (sp *SignalPipe) open() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("tunneld: signal pipe creation failed: %w", err)
	}
	sp.readFD, sp.writeFD = fds[0], fds[1]
	return nil
}

// ReadFD returns the descriptor to register with a [PollSet] for read
// interest.
func (sp *SignalPipe) ReadFD() int {
	return sp.readFD
}

// Post writes a single event byte to the pipe's write end. Async-signal-
// safe: the write is nonblocking and any error (including EAGAIN on a full
// pipe buffer) is silently ignored, per spec §4.1/§5.
func (sp *SignalPipe) Post(event Event) {
	buf := [1]byte{byte(event)}
	_, _ = unix.Write(sp.writeFD, buf[:])
}

// Drain reads exactly one event byte from the pipe.
//
// Returns (0, false, false) on EAGAIN ("empty, return to loop"). Any other
// read error, or a zero-length read (EOF), is reported back to the caller
// as needsRebuild=true; [Supervisor] rebuilds the pipe in that case and
// terminates if rebuild fails, per spec §4.1.
func (sp *SignalPipe) Drain() (event Event, ok bool, needsRebuild bool) {
	var buf [1]byte
	n, err := unix.Read(sp.readFD, buf[:])
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, false, false
	case err != nil:
		return 0, false, true
	case n == 0:
		return 0, false, true
	default:
		return Event(buf[0]), true, false
	}
}

// Rebuild closes both ends of the pipe and recreates it. The caller
// (normally [Supervisor.AcceptLoop]) is responsible for re-registering the
// new read end with the [PollSet] and removing the old one.
func (sp *SignalPipe) Rebuild() error {
	sp.Close()
	if err := sp.open(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalPipeRebuildFailed, err)
	}
	return nil
}

// Close closes both ends of the pipe.
func (sp *SignalPipe) Close() {
	if sp.readFD != 0 {
		unix.Close(sp.readFD)
	}
	if sp.writeFD != 0 {
		unix.Close(sp.writeFD)
	}
	sp.readFD, sp.writeFD = 0, 0
}
