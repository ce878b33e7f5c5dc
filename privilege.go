// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// ChangeRoot chroots to dir and chdirs to "/". A no-op if dir is empty.
// Errors are fatal at init (spec §4.4).
func ChangeRoot(dir string) error {
	if dir == "" {
		return nil
	}
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrChrootFailed, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("%w: %v", ErrChrootFailed, err)
	}
	return nil
}

// DropPrivileges applies the configured gid/uid transitions.
//
// If opts.SetGID is non-zero, sets the gid and the supplementary group
// list to the single entry [opts.SetGID]. If opts.SetUID is non-zero, sets
// the uid. Order matters: the gid transition must happen before the uid
// transition drops the privilege needed to change groups.
//
// When critical is true (first configuration), any failure aborts
// configuration and is returned wrapped in [ErrDropPrivilegesFailed]. When
// false (re-configuration after an already-successful drop), failures are
// logged but do not abort: further setuid/setgid calls naturally fail once
// privileges are already dropped (spec §4.4).
func DropPrivileges(opts GlobalOptions, critical bool, logger SLogger) error {
	if opts.SetGID != 0 {
		if err := unix.Setgroups([]int{opts.SetGID}); err != nil {
			if critical {
				return fmt.Errorf("%w: setgroups: %v", ErrDropPrivilegesFailed, err)
			}
			logger.Info("dropPrivilegesSetgroupsFailed", slog.Any("err", err))
		}
		if err := unix.Setresgid(opts.SetGID, opts.SetGID, opts.SetGID); err != nil {
			if critical {
				return fmt.Errorf("%w: setresgid: %v", ErrDropPrivilegesFailed, err)
			}
			logger.Info("dropPrivilegesSetresgidFailed", slog.Any("err", err))
		}
	}
	if opts.SetUID != 0 {
		if err := unix.Setresuid(opts.SetUID, opts.SetUID, opts.SetUID); err != nil {
			if critical {
				return fmt.Errorf("%w: setresuid: %v", ErrDropPrivilegesFailed, err)
			}
			logger.Info("dropPrivilegesSetresuidFailed", slog.Any("err", err))
		}
	}
	return nil
}
