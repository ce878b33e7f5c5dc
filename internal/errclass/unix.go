//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's errclass/unix.go constant
// table, extended here with the classify step the snapshot lacked.
//

package errclass

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// classifyErrno maps a platform errno to one of our labels.
func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case unix.EADDRNOTAVAIL:
		return EADDRNOTAVAIL, true
	case unix.EADDRINUSE:
		return EADDRINUSE, true
	case unix.ECONNABORTED:
		return ECONNABORTED, true
	case unix.ECONNREFUSED:
		return ECONNREFUSED, true
	case unix.ECONNRESET:
		return ECONNRESET, true
	case unix.EHOSTUNREACH:
		return EHOSTUNREACH, true
	case unix.EINVAL:
		return EINVAL, true
	case unix.EINTR:
		return EINTR, true
	case unix.EMFILE:
		return EMFILE, true
	case unix.ENETDOWN:
		return ENETDOWN, true
	case unix.ENETUNREACH:
		return ENETUNREACH, true
	case unix.ENFILE:
		return ENFILE, true
	case unix.ENOBUFS:
		return ENOBUFS, true
	case unix.ENOMEM:
		return ENOMEM, true
	case unix.ENOTCONN:
		return ENOTCONN, true
	case unix.EPROTONOSUPPORT:
		return EPROTONOSUPPORT, true
	case unix.ETIMEDOUT:
		return ETIMEDOUT, true
	default:
		return "", false
	}
}
