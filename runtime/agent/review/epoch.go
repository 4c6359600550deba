package review

import (
	"path/filepath"
	"sync"
)

// epochs tracks the snapshot epoch for every worktree path touched by this
// process. The epoch is bumped whenever a worktree's contents could have
// changed (reset, clean, checkout) so callers that sampled an epoch before
// starting a protected operation can detect a concurrent mutation and abort
// instead of operating on stale content.
var epochs struct {
	mu sync.Mutex
	m  map[string]uint64
}

func init() {
	epochs.m = make(map[string]uint64)
}

func epochKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// BumpSnapshotEpoch increments and returns the snapshot epoch for path.
// Callers that just mutated a worktree's contents call this so that any
// operation holding a stale epoch sample can detect the change.
func BumpSnapshotEpoch(path string) uint64 {
	key := epochKey(path)
	epochs.mu.Lock()
	defer epochs.mu.Unlock()
	epochs.m[key]++
	return epochs.m[key]
}

// SnapshotEpoch returns the current snapshot epoch for path without
// incrementing it. A path never touched by BumpSnapshotEpoch has epoch 0.
func SnapshotEpoch(path string) uint64 {
	key := epochKey(path)
	epochs.mu.Lock()
	defer epochs.mu.Unlock()
	return epochs.m[key]
}
