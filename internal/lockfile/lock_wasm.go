//go:build js && wasm

package lockfile

import (
	"errors"
	"os"
)

var errLockHeld = errors.New("lockfile: flock held by another process")

// flockExclusiveNonBlocking is a no-op under WASM: there is no
// multi-process concern in that environment.
func flockExclusiveNonBlocking(f *os.File) error {
	return nil
}

func flockUnlock(f *os.File) error {
	return nil
}

func flockSharedNonBlocking(f *os.File) error {
	return nil
}
