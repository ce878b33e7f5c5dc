// SPDX-License-Identifier: GPL-3.0-or-later

package tunneld

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// ChownEndpoint applies the configured owner to a filesystem-path listening
// endpoint after bind, per spec §4.3. Uses lchown (not fchown through the
// descriptor: platforms do not permit descriptor-chown on socket inodes).
//
// If lchown fails, re-stats the path: if the inode already carries the
// desired identity, logs success (diagnostic-only, per spec §7); otherwise
// logs an error. Either way this never aborts the bind pass.
func ChownEndpoint(path string, owner FileOwner, logger SLogger) {
	if owner.UID == 0 && owner.GID == 0 {
		return
	}
	if err := unix.Lchown(path, owner.UID, owner.GID); err == nil {
		return
	}

	var st unix.Stat_t
	if statErr := unix.Lstat(path, &st); statErr == nil &&
		int(st.Uid) == owner.UID && int(st.Gid) == owner.GID {
		logger.Info("chownEndpointAlreadyOwned", slog.String("path", path))
		return
	}
	logger.Info("chownEndpointFailed",
		slog.String("path", path),
		slog.Int("uid", owner.UID),
		slog.Int("gid", owner.GID),
	)
}

// UnlinkEndpoint removes a filesystem-path listening endpoint at unbind,
// after confirming the inode is still a socket (spec §4.3/§6: a path later
// replaced by a regular file produces an error log but does not abort).
func UnlinkEndpoint(path string, logger SLogger) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		logger.Info("unlinkEndpointStatFailed", slog.String("path", path), slog.Any("err", err))
		return
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		logger.Info("unlinkEndpointNotASocket", slog.String("path", path))
		return
	}
	if err := unix.Unlink(path); err != nil {
		logger.Info("unlinkEndpointFailed", slog.String("path", path), slog.Any("err", err))
	}
}

// fsendpointError wraps a fatal filesystem-endpoint error (used for
// condition reported by [BindPorts] that should abort the bind pass, as
// opposed to the diagnostic-only chown/unlink failures above).
type fsendpointError struct {
	path string
	err  error
}

func (e *fsendpointError) Error() string {
	return fmt.Sprintf("tunneld: filesystem endpoint %q: %v", e.path, e.err)
}

func (e *fsendpointError) Unwrap() error {
	return e.err
}
