// Package lockfile provides the exclusive process lock that guards a graph
// database directory: database file access must be exclusive per process,
// enforced here with a platform flock on a sidecar .lock file rather than
// relying on SQLite's own locking (which allows multiple readers the engine
// does not want mid-migration). Build-tagged unix/windows/wasm variants
// share the same flock primitives and a single coherent lock-contention
// error, plus stale-lock detection via a liveness check on the pid recorded
// in the lock file.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked is returned by Acquire when another process already holds the
// lock for this database directory.
var ErrLocked = errors.New("lockfile: database is locked by another process")

// ErrLockBusy is returned by the shared-lock helpers when a conflicting
// exclusive lock is held.
var ErrLockBusy = errors.New("lockfile: lock busy, held by another process")

// Lock represents an acquired exclusive lock on a database directory. The
// zero value is not usable; obtain one via Acquire.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) a ".lock" file beside dbPath and
// takes a non-blocking exclusive flock on it. The lock is released by
// calling Release, or implicitly when the process exits.
func Acquire(dbPath string) (*Lock, error) {
	lockPath := dbPath + ".lock"
	if dir := filepath.Dir(lockPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lockfile: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", lockPath, err)
	}
	if err := flockExclusiveNonBlocking(f); err != nil {
		held := readLockedPID(f)
		_ = f.Close()
		if errors.Is(err, errLockHeld) {
			if held > 0 && !isProcessRunning(held) {
				return nil, fmt.Errorf("lockfile: %s: %w (stale, pid %d no longer running; remove the .lock file to recover)", lockPath, ErrLocked, held)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: acquire %s: %w", lockPath, err)
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{file: f, path: lockPath}, nil
}

// Release unlocks and closes the lock file. The lock file itself is left in
// place; it is harmless and reused on the next Acquire.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := flockUnlock(l.file); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// IsLocked reports whether err indicates the lock is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}

// readLockedPID best-effort reads the pid written by the process currently
// holding f's lock. Returns 0 if unreadable.
func readLockedPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(string(trimNewline(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == 0) {
		b = b[:len(b)-1]
	}
	return b
}
