// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"log/slog"
)

// DispatchOutcome is the result of one [ControlDispatcher.Dispatch] call:
// whether the accept loop should continue or terminate (spec §4.6).
type DispatchOutcome int

const (
	DispatchContinue DispatchOutcome = iota
	DispatchTerminate
)

// ConfigLoader parses a new configuration from the daemon's configured
// source (external collaborator per spec §1/§6). Returns a fresh
// [*ServiceList] with its own [GlobalOptions] on success.
type ConfigLoader interface {
	Load(ctx context.Context) (*ServiceList, error)
}

// ConfigLoaderFunc adapts a function to [ConfigLoader].
type ConfigLoaderFunc func(ctx context.Context) (*ServiceList, error)

func (f ConfigLoaderFunc) Load(ctx context.Context) (*ServiceList, error) {
	return f(ctx)
}

// SinkController is the subset of [SinkLogger] behavior the dispatcher
// needs to implement REOPEN_LOG and the sink-swap half of RELOAD_CONFIG
// (spec §4.6/§6): buffering pending lines, closing/reopening the file
// sink, and flushing.
type SinkController interface {
	BufferPending()
	CloseFileSink()
	ReopenFileSink() error
	FlushPending()
}

// ControlDispatcher decodes one event byte from the [SignalPipe] per
// invocation into a control action, per the spec §4.6 state machine.
type ControlDispatcher struct {
	Services    *ServiceList
	PollSet     *PollSet
	Inherited   map[int]bool
	SignalPipe  *SignalPipe
	ConfigFile  ConfigLoader
	Sinks       SinkController
	Logger      SLogger
	OnReloaded  func(*ServiceList) // notifies UI/observer of reload, spec §4.6
}

// Dispatch decodes event and runs its associated action, returning whether
// the accept loop should continue or terminate.
func (cd *ControlDispatcher) Dispatch(ctx context.Context, event Event) DispatchOutcome {
	switch event {
	case EventReloadConfig:
		return cd.handleReload(ctx)
	case EventReopenLog:
		cd.handleReopenLog()
		return DispatchContinue
	case EventTerminate:
		cd.Logger.Info("dispatchTerminate")
		return DispatchTerminate
	case EventChildDeath:
		ReapNoHang("dispatch", cd.Logger)
		return DispatchContinue
	default:
		cd.Logger.Info("dispatchUnknownSignal", slog.Int("event", int(event)))
		return DispatchTerminate
	}
}

// handleReload implements the RELOAD_CONFIG row of spec §4.6: parse
// failure logs and continues on the old configuration; success unbinds the
// old chain, swaps sinks, installs the new chain, and rebinds. It does not
// start exec+connect services: those are launched only once, by
// [Lifecycle.MainConfigure] at startup. Per the resolved Open Question (a),
// a bind failure after the old configuration has already been torn down
// terminates the daemon rather than leaving a torn configuration running
// (spec §9).
func (cd *ControlDispatcher) handleReload(ctx context.Context) DispatchOutcome {
	newList, err := cd.ConfigFile.Load(ctx)
	if err != nil {
		cd.Logger.Info("reloadParseFailed", slog.Any("err", err))
		return DispatchContinue
	}

	UnbindPorts(cd.Services, cd.PollSet, cd.SignalPipe.ReadFD(), cd.Inherited, cd.Logger)

	cd.Sinks.BufferPending()
	cd.Sinks.CloseFileSink()

	cd.Services.Global = newList.Global
	var migrated *Service
	for s := newList.Detach(); s != nil; {
		next := s.Next
		s.Next = nil
		migrated = appendService(migrated, s)
		s = next
	}
	cd.Services.Replace(firstOf(migrated))

	if err := cd.Sinks.ReopenFileSink(); err != nil {
		cd.Logger.Info("reloadReopenFileSinkFailed", slog.Any("err", err))
	}
	cd.Sinks.FlushPending()

	if cd.OnReloaded != nil {
		cd.OnReloaded(cd.Services)
	}

	inheritedFDs := make([]int, 0)
	for fd := range cd.Inherited {
		inheritedFDs = append(inheritedFDs, fd)
	}
	if err := BindPorts(cd.Services, cd.PollSet, inheritedFDs, cd.Logger); err != nil {
		cd.Logger.Info("reloadBindFailed", slog.Any("err", err))
		return DispatchTerminate
	}

	cd.Logger.Info("reloadComplete")
	return DispatchContinue
}

func (cd *ControlDispatcher) handleReopenLog() {
	cd.Sinks.BufferPending()
	cd.Sinks.CloseFileSink()
	if err := cd.Sinks.ReopenFileSink(); err != nil {
		cd.Logger.Info("reopenLogFailed", slog.Any("err", err))
	}
	cd.Sinks.FlushPending()
}

// appendService is an internal helper building a fresh chain for Replace.
func appendService(head *Service, s *Service) *Service {
	if head == nil {
		return s
	}
	cur := head
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = s
	return head
}

func firstOf(s *Service) *Service {
	return s
}
