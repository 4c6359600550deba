//go:build windows

package review

import "os"

// processAlive reports whether pid names a running process. os.FindProcess
// always succeeds on Windows without actually checking liveness, so a lock
// file found on Windows is conservatively treated as held by a live process;
// Windows' own file locking (which flock uses under the hood) already
// prevents two processes from holding the same lock file regardless.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
