// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
)

// ConfigureOutcome is the result of [Lifecycle.MainConfigure] (spec §4.9).
type ConfigureOutcome int

const (
	// OutcomeAccepted means a configuration was accepted and the daemon
	// should run.
	OutcomeAccepted ConfigureOutcome = iota
	// OutcomePrinted means the command line requested help/version; the
	// caller should exit without running the daemon.
	OutcomePrinted
)

// Lifecycle wires [Supervisor], [SinkLogger] and the command line together
// per spec §4.9: MainInit (one-time), MainConfigure (parse + apply),
// MainCleanup (unbind + free + flush).
type Lifecycle struct {
	Supervisor *Supervisor
	Sinks      *SinkLogger
	Resolver   Resolver

	version      string
	inheritedFDs []int
}

// NewLifecycle returns a [*Lifecycle] with a fresh [*Supervisor] and
// [*SinkLogger] wired together: the supervisor logs through the sink
// logger via [log/slog].
func NewLifecycle(version string) *Lifecycle {
	sinks := NewSinkLogger()
	sv := NewSupervisor()
	sv.Logger = slog.New(sinks)
	return &Lifecycle{Supervisor: sv, Sinks: sinks, version: version}
}

// MainInit performs the one-time initialization of spec §4.9: claims any
// service-manager-inherited descriptors, allocates the [SignalPipe] and
// registers it with the poll set.
func (lc *Lifecycle) MainInit() error {
	inherited := InheritedFDs(true)
	lc.inheritedFDs = inherited
	lc.Supervisor.Inherited = make(map[int]bool, len(inherited))
	for _, fd := range inherited {
		lc.Supervisor.Inherited[fd] = true
	}

	sp, err := NewSignalPipe()
	if err != nil {
		return err
	}
	lc.Supervisor.SignalPipe = sp
	if err := lc.Supervisor.PollSet.Add(sp.ReadFD(), true, false); err != nil {
		return err
	}

	lc.Supervisor.Logger.Info("mainInit",
		slog.String("version", lc.version),
		slog.Int("inheritedDescriptors", len(inherited)),
	)
	return nil
}

// MainConfigure parses the command line and, absent a help/version flag,
// loads the YAML configuration at configPath and applies it: opens the
// syslog sink, binds ports, chroots, drops privileges, opens the file
// sink at logFilePath, flips the client counter from -1 to 0, flushes
// buffered logs, and starts every configured exec+connect service (spec
// §4.9).
func (lc *Lifecycle) MainConfigure(args []string, configPath, logFilePath string) (ConfigureOutcome, error) {
	fs := flag.NewFlagSet("tunneld", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return OutcomePrinted, nil
		}
		return 0, err
	}
	if *showVersion {
		fmt.Println(lc.version)
		return OutcomePrinted, nil
	}

	loader := &YAMLConfigLoader{Path: configPath}
	newList, err := loader.Load(context.Background())
	if err != nil {
		return 0, err
	}

	if err := lc.Sinks.OpenSyslog("tunneld"); err != nil {
		return 0, err
	}

	lc.Supervisor.Services.Global = newList.Global
	lc.Supervisor.Services.Replace(newList.Detach())

	if err := lc.resolveRemoteAddresses(context.Background()); err != nil {
		return 0, err
	}

	if err := BindPorts(lc.Supervisor.Services, lc.Supervisor.PollSet, lc.inheritedFDs, lc.Supervisor.Logger); err != nil {
		return 0, err
	}

	if err := ChangeRoot(newList.Global.ChrootDir); err != nil {
		return 0, err
	}

	if err := DropPrivileges(newList.Global, true, lc.Supervisor.Logger); err != nil {
		return 0, err
	}

	if logFilePath != "" {
		if err := lc.Sinks.OpenFileSink(logFilePath); err != nil {
			return 0, err
		}
	}

	lc.Supervisor.NumClients.Store(0)
	lc.Sinks.FlushPending()

	lc.Supervisor.Dispatcher = &ControlDispatcher{
		Services:   lc.Supervisor.Services,
		PollSet:    lc.Supervisor.PollSet,
		Inherited:  lc.Supervisor.Inherited,
		SignalPipe: lc.Supervisor.SignalPipe,
		ConfigFile: loader,
		Sinks:      lc.Sinks,
		Logger:     lc.Supervisor.Logger,
	}

	if err := lc.Supervisor.startExecConnect(context.Background()); err != nil {
		return 0, err
	}

	return OutcomeAccepted, nil
}

// resolveRemoteAddresses replaces every hostname in each service's
// Remote.Addresses with its resolved IP:port form, using lc.Resolver, so
// that the worker backend only ever sees address literals (spec §4.12).
// Every service is resolved, exec+connect services included; an entry that
// is not in host:port form is kept unchanged. A no-op when lc.Resolver is
// unset (addresses are then expected to already be literals).
func (lc *Lifecycle) resolveRemoteAddresses(ctx context.Context) error {
	if lc.Resolver == nil {
		return nil
	}
	var resolveErr error
	lc.Supervisor.Services.Walk(func(svc *Service) bool {
		resolved := make([]string, 0, len(svc.Remote.Addresses))
		for _, addr := range svc.Remote.Addresses {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				resolved = append(resolved, addr)
				continue
			}
			portNum, err := strconv.ParseUint(port, 10, 16)
			if err != nil {
				resolveErr = fmt.Errorf("tunneld: invalid port %q: %w", port, err)
				return false
			}
			if ip, err := netip.ParseAddr(host); err == nil {
				resolved = append(resolved, netip.AddrPortFrom(ip, uint16(portNum)).String())
				continue
			}
			ips, err := lc.Resolver.Resolve(ctx, "ip", host)
			if err != nil || len(ips) == 0 {
				resolveErr = fmt.Errorf("tunneld: resolving %q: %w", host, err)
				return false
			}
			resolved = append(resolved, netip.AddrPortFrom(ips[0], uint16(portNum)).String())
		}
		svc.Remote.Addresses = resolved
		return true
	})
	return resolveErr
}

// MainCleanup implements spec §4.9's cleanup step: unbinds every port,
// frees the poll set, and flushes/closes every sink.
func (lc *Lifecycle) MainCleanup() {
	UnbindPorts(lc.Supervisor.Services, lc.Supervisor.PollSet, lc.Supervisor.SignalPipe.ReadFD(), lc.Supervisor.Inherited, lc.Supervisor.Logger)
	lc.Supervisor.PollSet.Free()
	lc.Sinks.FlushPending()
	lc.Sinks.CloseFileSink()
	lc.Sinks.CloseSyslog()
	lc.Supervisor.SignalPipe.Close()
}
