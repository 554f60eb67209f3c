//go:build linux

package transition

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformExchange attempts a single-syscall atomic exchange of the live
// symlink with a freshly created candidate symlink via renameat2's
// RENAME_EXCHANGE. Some filesystems (notably overlayfs configurations and
// older kernels) do not support RENAME_EXCHANGE; on ENOTSUP/EINVAL (and on
// ENOENT, before any live symlink exists) it falls back to a plain atomic
// rename, which is sufficient since the
// live path is always a symlink being replaced, never two established
// names being swapped in place.
func platformExchange(livePath, candidatePath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, candidatePath, unix.AT_FDCWD, livePath, unix.RENAME_EXCHANGE)
	if err == nil {
		// RENAME_EXCHANGE left the old live target at candidatePath; remove
		// it since the candidate was scratch space, not a slot.
		_ = os.Remove(candidatePath)
		return nil
	}
	switch err {
	case unix.ENOTSUP, unix.EINVAL, unix.ENOENT:
		// ENOENT covers the first transition ever run, when the live
		// symlink does not exist yet to exchange with.
		return renameThroughTmp(livePath, candidatePath)
	default:
		return err
	}
}

func renameThroughTmp(livePath, candidatePath string) error {
	return os.Rename(candidatePath, livePath)
}
