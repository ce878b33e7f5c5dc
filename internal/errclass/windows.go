//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's errclass/windows.go constant
// table, extended here with the classify step the snapshot lacked.
//

package errclass

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case windows.WSAEADDRNOTAVAIL:
		return EADDRNOTAVAIL, true
	case windows.WSAEADDRINUSE:
		return EADDRINUSE, true
	case windows.WSAECONNABORTED:
		return ECONNABORTED, true
	case windows.WSAECONNREFUSED:
		return ECONNREFUSED, true
	case windows.WSAECONNRESET:
		return ECONNRESET, true
	case windows.WSAEHOSTUNREACH:
		return EHOSTUNREACH, true
	case windows.WSAEINVAL:
		return EINVAL, true
	case windows.WSAEINTR:
		return EINTR, true
	case windows.WSAEMFILE:
		return EMFILE, true
	case windows.WSAENETDOWN:
		return ENETDOWN, true
	case windows.WSAENETUNREACH:
		return ENETUNREACH, true
	case windows.WSAENOBUFS:
		return ENOBUFS, true
	case windows.WSAENOTCONN:
		return ENOTCONN, true
	case windows.WSAEPROTONOSUPPORT:
		return EPROTONOSUPPORT, true
	case windows.WSAETIMEDOUT:
		return ETIMEDOUT, true
	default:
		return "", false
	}
}
