// SPDX-License-Identifier: GPL-3.0-or-later

// Command tunneld is a TLS-terminating/originating tunnel daemon: it
// listens on configured local endpoints (or spawns a child process and
// connects on its behalf), relays bytes to a remote peer, and reloads its
// configuration or rotates its logs on signal without dropping in-flight
// sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaysix/tunneld"
	"github.com/relaysix/tunneld/relaysession"
	"github.com/relaysix/tunneld/resolver"
)

const version = "tunneld/dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tunneld <config.yaml> [start|test|reload-check]")
	}
	configPath := args[0]
	command := "start"
	if len(args) >= 2 {
		command = args[1]
	}

	lc := tunneld.NewLifecycle(version)
	lc.Resolver = resolver.NewStdlib()
	lc.Supervisor.Backend = relaysession.New(nil, lc.Supervisor.Logger)

	if err := lc.MainInit(); err != nil {
		return fmt.Errorf("mainInit: %w", err)
	}

	var rest []string
	if len(args) > 2 {
		rest = args[2:]
	}
	outcome, err := lc.MainConfigure(rest, configPath, logFilePathFor(configPath))
	if err != nil {
		return fmt.Errorf("mainConfigure: %w", err)
	}
	if outcome == tunneld.OutcomePrinted {
		return nil
	}

	switch command {
	case "test", "reload-check":
		lc.MainCleanup()
		return nil
	}

	stopSignals := installSignalHandlers(lc)
	defer signal.Stop(stopSignals)
	defer lc.MainCleanup()

	return lc.Supervisor.AcceptLoop(context.Background())
}

// logFilePathFor derives the log file path by appending ".log" to the full
// configuration file path (tunneld.yaml becomes tunneld.yaml.log).
func logFilePathFor(configPath string) string {
	return configPath + ".log"
}

// installSignalHandlers wires SIGHUP, SIGUSR1, SIGTERM/SIGINT/SIGQUIT and
// SIGCHLD into the supervisor's [tunneld.SignalPipe]; every signal is
// converted to an [tunneld.Event] byte here and posted through the pipe,
// never handled directly in this goroutine — the event's semantics (reap,
// reload, reopen, terminate) live entirely in
// [tunneld.ControlDispatcher.Dispatch] (spec §6 "Signals", §9).
func installSignalHandlers(lc *tunneld.Lifecycle) chan os.Signal {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGCHLD)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGHUP:
				lc.Supervisor.SignalPipe.Post(tunneld.EventReloadConfig)
			case syscall.SIGUSR1:
				lc.Supervisor.SignalPipe.Post(tunneld.EventReopenLog)
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				lc.Supervisor.SignalPipe.Post(tunneld.EventTerminate)
			case syscall.SIGCHLD:
				lc.Supervisor.SignalPipe.Post(tunneld.EventChildDeath)
			}
		}
	}()

	return ch
}
