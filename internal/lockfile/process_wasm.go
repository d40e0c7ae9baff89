//go:build js && wasm

package lockfile

// isProcessRunning always reports false under WASM: there is no pid
// namespace to query, and flockExclusiveNonBlocking never holds a lock
// another "process" could contend, so the stale-lock path in Acquire is
// unreachable here anyway.
func isProcessRunning(pid int) bool {
	return false
}
