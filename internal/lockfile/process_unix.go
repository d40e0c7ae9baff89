//go:build unix

package lockfile

import "syscall"

// isProcessRunning reports whether pid names a live process, used to
// distinguish a genuinely held lock from a stale lock file left behind by a
// process that crashed without releasing it.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
