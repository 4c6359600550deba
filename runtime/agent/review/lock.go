package review

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Namespace identifies the kind of protected operation a lock guards.
// Distinct namespaces scoped to the same directory never contend with each
// other.
type Namespace string

const (
	// NamespaceReview guards the review loop's worktree.
	NamespaceReview Namespace = "review"
	// NamespaceAutoResolveFix guards an auto-resolve fix attempt.
	NamespaceAutoResolveFix Namespace = "auto-resolve-fix"
	// NamespaceAutoResolveFollowup guards an auto-resolve followup attempt.
	NamespaceAutoResolveFollowup Namespace = "auto-resolve-followup"
)

const lockDirName = ".code-locks"

// Guard represents a held advisory lock. Release removes the lock file and
// allows other processes to acquire it; calling it again is a no-op.
type Guard struct {
	path string
	fl   *flock.Flock

	mu       sync.Mutex
	released bool
}

// TryAcquireLock attempts to acquire a cross-process advisory lock scoped to
// (namespace, cwd). The lock file records the current process's PID.
//
// If the lock is currently held by a process that is no longer alive, the
// stale lock file is removed and acquisition is retried once. Returns
// (nil, nil) if the lock is held by a live process — callers should treat
// this as "try again later", not an error.
func TryAcquireLock(namespace Namespace, cwd string) (*Guard, error) {
	dir := filepath.Join(cwd, lockDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, string(namespace)+".lock")

	guard, err := tryLockOnce(path)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		return guard, nil
	}

	if stealStaleLock(path) {
		guard, err = tryLockOnce(path)
		if err != nil {
			return nil, err
		}
		return guard, nil
	}

	return nil, nil
}

func tryLockOnce(path string) (*Guard, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write lock pid: %w", err)
	}
	return &Guard{path: path, fl: fl}, nil
}

// stealStaleLock returns true if the lock file at path names a PID that is
// no longer running, after removing the file so a subsequent acquisition
// attempt can succeed.
func stealStaleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	if processAlive(pid) {
		return false
	}
	return os.Remove(path) == nil
}

// Release removes the lock file, allowing other processes to acquire the
// same namespace. Idempotent: subsequent calls are no-ops.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil
	}
	g.released = true
	_ = os.Remove(g.path)
	return g.fl.Unlock()
}
