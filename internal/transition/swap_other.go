//go:build !linux && !darwin

package transition

import "os"

// platformExchange on platforms without a single-syscall directory/symlink
// exchange primitive falls back to a plain atomic rename: since the live
// path is always a symlink being replaced (never two established names
// being swapped in place), rename(2)'s existing atomicity guarantee is
// sufficient.
func platformExchange(livePath, candidatePath string) error {
	return os.Rename(candidatePath, livePath)
}
