//go:build darwin

package transition

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformExchange uses renamex_np(..., RENAME_SWAP) to exchange the live
// symlink with a freshly created candidate symlink in a single syscall on
// macOS. Falls back to a plain atomic rename if the underlying filesystem
// does not support RENAME_SWAP.
func platformExchange(livePath, candidatePath string) error {
	err := unix.Renamex_np(candidatePath, livePath, unix.RENAME_SWAP)
	if err == nil {
		_ = os.Remove(candidatePath)
		return nil
	}
	switch err {
	case unix.ENOTSUP, unix.ENOENT:
		// ENOENT covers the first transition ever run, when the live
		// symlink does not exist yet to exchange with.
		return os.Rename(candidatePath, livePath)
	default:
		return err
	}
}
