// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// BindPorts opens, binds, and listens on every local endpoint of every
// service in sl, in declaration order, claiming inherited descriptors for
// the leading positions in the listening subsequence (spec §4.3).
//
// A service with local endpoints that binds zero of them is a fatal
// configuration error ([ErrNoBoundPorts]). If the number of bind-requesting
// listening services is less than len(inherited), that is also fatal
// ([ErrTooManyInheritedDescriptors]).
func BindPorts(sl *ServiceList, ps *PollSet, inherited []int, logger SLogger) error {
	listeningIndex := 0
	listeningServices := 0

	var bindErr error
	sl.Walk(func(svc *Service) bool {
		if svc.IsExecConnect() || svc.TLSSlave || len(svc.Listen) == 0 {
			logger.Info("bindPortsSkipped", slog.String("service", svc.Name))
			return true
		}
		listeningServices++

		for i, ep := range svc.Listen {
			var fd int
			var err error
			if listeningIndex < len(inherited) {
				fd = inherited[listeningIndex]
				logger.Info("bindPortsClaimedInherited",
					slog.String("service", svc.Name), slog.Int("fd", fd))
			} else {
				fd, err = createListeningSocket(ep)
				if err != nil {
					logger.Info("bindPortsFailed",
						slog.String("service", svc.Name), slog.String("address", ep.Address), slog.Any("err", err))
					listeningIndex++
					continue
				}
			}

			if ep.Network == "unix" {
				ChownEndpoint(ep.Address, svc.Owner, logger)
			}

			if err := ps.Add(fd, true, false); err != nil {
				bindErr = err
				return false
			}
			svc.LocalFD[i] = fd
			svc.BoundPorts++
			listeningIndex++

			logger.Info("bindPortsBound",
				slog.String("service", svc.Name),
				slog.Int("fd", fd),
				slog.String("address", ep.Address),
			)
		}

		if svc.BoundPorts == 0 {
			bindErr = fmt.Errorf("%w: service %q", ErrNoBoundPorts, svc.Name)
			return false
		}
		return true
	})

	if bindErr != nil {
		return bindErr
	}
	if listeningServices < len(inherited) {
		return fmt.Errorf("%w: %d services, %d inherited", ErrTooManyInheritedDescriptors, listeningServices, len(inherited))
	}
	return nil
}

// createListeningSocket creates, binds, and listens on a new socket for ep
// with the platform maximum backlog (spec §4.3 step 2).
func createListeningSocket(ep ListenEndpoint) (int, error) {
	switch ep.Network {
	case "unix":
		return createUnixListeningSocket(ep.Address)
	default:
		return createTCPListeningSocket(ep.Address)
	}
}

func createTCPListeningSocket(address string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return 0, err
	}

	domain := unix.AF_INET
	ip4 := addr.IP.To4()
	if ip4 == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = addr.Port
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return 0, err
		}
	} else {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], addr.IP.To16())
		sa.Port = addr.Port
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return 0, err
		}
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func createUnixListeningSocket(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, &fsendpointError{path: path, err: err}
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, &fsendpointError{path: path, err: err}
	}
	return fd, nil
}

// UnbindPorts re-initializes ps to contain only signalPipeFD, detaches the
// active service chain, and walks it tearing down every service: closing
// every non-inherited bound descriptor, unlinking filesystem-path
// endpoints, clearing Retry on every service, waiting up to the service's
// SessionTimeout for its workers to release it (see DESIGN.md), and then
// destroying it, which flushes its TLS context (spec §4.3).
func UnbindPorts(sl *ServiceList, ps *PollSet, signalPipeFD int, inherited map[int]bool, logger SLogger) {
	for fd := range ps.entries {
		if fd != signalPipeFD {
			ps.Remove(fd)
		}
	}

	detached := sl.Detach()
	for svc := detached; svc != nil; {
		next := svc.Next
		svc.Next = nil
		unbindService(svc, ps, inherited, logger)
		svc = next
	}
}

func unbindService(svc *Service, ps *PollSet, inherited map[int]bool, logger SLogger) {
	for i, fd := range svc.LocalFD {
		if fd == unboundFD {
			continue
		}
		ps.Remove(fd)
		if inherited[fd] {
			logger.Info("unbindPortsKeptInherited", slog.String("service", svc.Name), slog.Int("fd", fd))
		} else {
			unix.Close(fd)
			if svc.Listen[i].Network == "unix" {
				UnlinkEndpoint(svc.Listen[i].Address, logger)
			}
		}
		svc.LocalFD[i] = unboundFD
	}

	svc.Retry.Retry = false
	waitForWorkersToRelease(svc, logger)
	svc.destroy()
}

// waitForWorkersToRelease blocks until every [WorkerBackend.Launch] holding
// a reference to svc has called [Service.ReleaseRef], or until
// svc.SessionTimeout elapses, whichever comes first — the resolution of Open
// Question (b), §9: a worker that outlives its session timeout proceeds to
// [Service.destroy] anyway rather than stalling reload/shutdown forever.
func waitForWorkersToRelease(svc *Service, logger SLogger) {
	if svc.SessionTimeout <= 0 {
		return
	}
	const pollInterval = 10 * time.Millisecond
	deadline := time.Now().Add(svc.SessionTimeout)
	for atomic.LoadInt32(&svc.RefCount) > 0 {
		if time.Now().After(deadline) {
			logger.Info("unbindPortsSessionTimeout",
				slog.String("service", svc.Name),
				slog.Int("refCount", int(atomic.LoadInt32(&svc.RefCount))),
			)
			return
		}
		time.Sleep(pollInterval)
	}
}
