//go:build !windows

package review

import "syscall"

// processAlive reports whether pid names a running process, using the
// signal-0 idiom: sending signal 0 performs error checking without actually
// delivering a signal.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
