// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReapNoHang drains all currently-exited children without blocking. For
// each reaped child it emits one log line carrying the decoded exit
// status: the signal name if the child died by signal, otherwise the
// numeric exit code (spec §4.5).
func ReapNoHang(tag string, logger SLogger) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		logReaped(tag, pid, ws, logger)
	}
}

// ReapHang blocks for exactly one child to exit, then logs it.
func ReapHang(tag string, logger SLogger) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, 0, nil)
	if err != nil || pid <= 0 {
		return
	}
	logReaped(tag, pid, ws, logger)
}

func logReaped(tag string, pid int, ws unix.WaitStatus, logger SLogger) {
	if ws.Signaled() {
		logger.Info(tag+"Reaped",
			slog.Int("pid", pid),
			slog.String("signal", signalName(ws.Signal())),
		)
		return
	}
	logger.Info(tag+"Reaped",
		slog.Int("pid", pid),
		slog.Int("exitStatus", ws.ExitStatus()),
	)
}

// signalName decodes a signal number to its textual name, falling back to
// "signal <n>" for unrecognized values (spec §4.5). No third-party
// signal-name table exists in the corpus; [syscall.Signal.String] already
// implements exactly this decoding — see DESIGN.md.
func signalName(sig unix.Signal) string {
	return syscall.Signal(sig).String()
}
