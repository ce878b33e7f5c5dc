// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"
)

// listenFDsStart is the conventional base descriptor number a service
// manager hands pre-bound listening descriptors at (spec §6).
const listenFDsStart = 3

// InheritedFDs returns the raw listening descriptors handed over via the
// LISTEN_FDS/LISTEN_PID protocol, in declaration order starting at
// listenFDsStart, already bound, listening, and non-blocking.
//
// Returns an empty slice when no descriptors were inherited, matching the
// systemd convention that LISTEN_PID not matching the current process (or
// being unset) means "not socket-activated". unsetEnv clears the
// LISTEN_FDS/LISTEN_PID environment after reading so a reload doesn't
// re-claim the same descriptors from a stale environment.
func InheritedFDs(unsetEnv bool) []int {
	files := activation.Files(unsetEnv)
	out := make([]int, 0, len(files))
	for _, f := range files {
		if f != nil {
			fd := int(f.Fd())
			_ = unix.SetNonblock(fd, true)
			out = append(out, fd)
		}
	}
	return out
}
