// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's errclass/{unix,windows}.go
// constant tables, given a classifying function (New) the retrieved
// snapshot of that package did not include.

// Package errclass classifies network errors into short, stable labels
// for structured logging, the same role the teacher library reserves for
// its (incomplete, in this snapshot) errclass subpackage.
package errclass

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Well-known classification labels.
const (
	EADDRINUSE      = "EADDRINUSE"
	EADDRNOTAVAIL   = "EADDRNOTAVAIL"
	ECONNABORTED    = "ECONNABORTED"
	ECONNREFUSED    = "ECONNREFUSED"
	ECONNRESET      = "ECONNRESET"
	EHOSTUNREACH    = "EHOSTUNREACH"
	EINTR           = "EINTR"
	EINVAL          = "EINVAL"
	EMFILE          = "EMFILE"
	ENETDOWN        = "ENETDOWN"
	ENETUNREACH     = "ENETUNREACH"
	ENFILE          = "ENFILE"
	ENOBUFS         = "ENOBUFS"
	ENOMEM          = "ENOMEM"
	ENOTCONN        = "ENOTCONN"
	EPROTONOSUPPORT = "EPROTONOSUPPORT"
	ETIMEDOUT       = "ETIMEDOUT"
	ECANCELED       = "ECANCELED"
	EGENERIC        = "EGENERIC"
)

// New classifies err into one of the labels above, falling back to
// [EGENERIC] for anything it does not recognize and "" for a nil error.
func New(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ETIMEDOUT
	}
	if errors.Is(err, context.Canceled) {
		return ECANCELED
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ETIMEDOUT
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if label, ok := classifyErrno(errno); ok {
			return label
		}
	}

	return EGENERIC
}

// IsResourcePressure reports whether err is one of the resource-exhaustion
// conditions (EMFILE/ENFILE/ENOBUFS/ENOMEM) that should make an accept
// loop back off instead of busy-looping, per the accept(2)/listen(2) man
// pages and the teacher's own habit of classifying errno values through a
// small, explicit table (errclass/unix.go, errclass/windows.go).
func IsResourcePressure(err error) bool {
	switch New(err) {
	case EMFILE, ENFILE, ENOBUFS, ENOMEM:
		return true
	default:
		return false
	}
}
