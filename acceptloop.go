// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// backoffDelay is the sleep the accept loop performs after a resource-
// exhaustion or wait error, to avoid log-trashing busy loops (spec §4.7/§8
// "Backoff").
const backoffDelay = 1 * time.Second

// Supervisor is the single process-wide control plane: it owns the
// [PollSet], the [SignalPipe], the [ServiceList], and the client counter,
// and runs the accept loop (spec §1/§9 "explicit supervisor struct").
type Supervisor struct {
	Services   *ServiceList
	PollSet    *PollSet
	SignalPipe *SignalPipe
	Dispatcher *ControlDispatcher
	Backend    WorkerBackend
	Inherited  map[int]bool

	ErrClassifier ErrClassifier
	Logger        SLogger

	// NumClients is -1 before the first valid configuration (admission
	// rejects everything), and >= 0 afterward (spec §3/§8).
	NumClients atomic.Int64
}

// NewSupervisor returns a [*Supervisor] with NumClients initialized to -1.
func NewSupervisor() *Supervisor {
	sv := &Supervisor{
		Services:      NewServiceList(),
		PollSet:       NewPollSet(),
		Inherited:     map[int]bool{},
		ErrClassifier: DefaultErrClassifier,
		Logger:        DefaultSLogger(),
	}
	sv.NumClients.Store(-1)
	return sv
}

// AcceptLoop runs the blocking readiness loop until ctx is done, a
// [DispatchTerminate] outcome is produced, or an unrecoverable signal-pipe
// rebuild failure occurs (spec §4.7).
func (sv *Supervisor) AcceptLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := sv.PollSet.Wait(-1)
		backoff := false
		if err != nil {
			sv.Logger.Info("acceptLoopWaitError", slog.Any("err", err))
			backoff = true
		} else if n > 0 {
			sv.Logger.Debug("acceptLoopReady", slog.Int("numReady", n))
			sv.PollSet.Dump(sv.Logger)
		}

		if n > 0 && sv.PollSet.CanRead(sv.SignalPipe.ReadFD()) {
			if terminate := sv.handleSignalPipeReadable(ctx); terminate {
				return nil
			}
		} else if n > 0 {
			sv.Services.Walk(func(svc *Service) bool {
				for i, fd := range svc.LocalFD {
					if fd == unboundFD || !sv.PollSet.CanRead(fd) {
						continue
					}
					if sv.acceptOne(ctx, svc, i) {
						backoff = true
					}
				}
				return true
			})
		}

		if backoff {
			time.Sleep(backoffDelay)
		}
	}
}

// handleSignalPipeReadable drains and dispatches one control event,
// rebuilding the pipe on read failure (spec §4.1/§4.7). Returns true if the
// loop should terminate.
func (sv *Supervisor) handleSignalPipeReadable(ctx context.Context) bool {
	event, ok, needsRebuild := sv.SignalPipe.Drain()
	if needsRebuild {
		oldFD := sv.SignalPipe.ReadFD()
		if err := sv.SignalPipe.Rebuild(); err != nil {
			sv.Logger.Info("signalPipeRebuildFailed", slog.Any("err", err))
			return true
		}
		sv.PollSet.Remove(oldFD)
		_ = sv.PollSet.Add(sv.SignalPipe.ReadFD(), true, false)
		return false
	}
	if !ok {
		return false
	}
	return sv.Dispatcher.Dispatch(ctx, event) == DispatchTerminate
}

// acceptOne accepts one connection on svc's endpoint i, returning true if
// the accept failed with a resource-pressure error (spec §4.7
// "accept_one").
func (sv *Supervisor) acceptOne(ctx context.Context, svc *Service, i int) (pressure bool) {
	fd := svc.LocalFD[i]
	for {
		connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if isResourcePressure(err) {
				sv.Logger.Info("acceptResourcePressure", slog.String("service", svc.Name), slog.Any("err", err))
				return true
			}
			sv.Logger.Info("acceptTransientError", slog.String("service", svc.Name), slog.Any("err", err))
			return false
		}

		maxClients := sv.Services.Global.MaxClients
		numClients := sv.NumClients.Load()
		if numClients < 0 || (maxClients > 0 && numClients >= int64(maxClients)) {
			unix.Close(connFD)
			sv.Logger.Info("acceptRejectedTooManyClients",
				slog.String("service", svc.Name), slog.Int("maxClients", maxClients))
			return false
		}

		conn, err := net.FileConn(os.NewFile(uintptr(connFD), "accepted-conn"))
		if err != nil {
			unix.Close(connFD)
			sv.Logger.Info("acceptFileConnFailed", slog.String("service", svc.Name), slog.Any("err", err))
			return false
		}

		spanID := NewSpanID()
		sv.Logger.Info("acceptAccepted",
			slog.String("service", svc.Name),
			slog.String("remoteAddr", conn.RemoteAddr().String()),
			slog.String("spanID", spanID),
		)

		sv.NumClients.Add(1)
		svc.AcquireRef()
		if err := sv.Backend.Launch(ctx, svc, conn, nil); err != nil {
			conn.Close()
			svc.ReleaseRef()
			sv.NumClients.Add(-1)
			sv.Logger.Info("acceptLaunchFailed", slog.String("service", svc.Name), slog.Any("err", err))
		}
		return false
	}
}

// startExecConnect launches every configured exec+connect service once, at
// loop entry (spec §4.7 "Exec+connect start"). Any failure here is fatal to
// daemon startup. Only [Lifecycle.MainConfigure] calls it; a reload does not.
func (sv *Supervisor) startExecConnect(ctx context.Context) error {
	var startErr error
	sv.Services.Walk(func(svc *Service) bool {
		if !svc.IsExecConnect() {
			return true
		}
		svc.AcquireRef()
		if err := sv.Backend.Launch(ctx, svc, nil, nil); err != nil {
			svc.ReleaseRef()
			startErr = err
			return false
		}
		return true
	})
	if startErr != nil {
		return ErrExecConnectStartFailed
	}
	return nil
}

// isResourcePressure classifies an accept() error as EMFILE/ENFILE/
// ENOBUFS/ENOMEM, the resource-exhaustion codes that make the accept loop
// back off for one second (spec §4.7/§5). This is a narrow boolean gate
// specialized to these four errno values rather than a reuse of the
// general-purpose [ErrClassifier]: see DESIGN.md.
func isResourcePressure(err error) bool {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	default:
		return false
	}
}
