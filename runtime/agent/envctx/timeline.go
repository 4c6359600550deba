package envctx

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/agentforge/core/runtime/agent/telemetry"
)

var (
	// ErrBaselineAlreadySet is returned by AddBaselineOnce when a baseline
	// already exists; callers treat this as a no-op, not a failure.
	ErrBaselineAlreadySet = errors.New("envctx: baseline already set")
	// ErrNoBaseline is returned when a delta is applied before any
	// baseline has been recorded.
	ErrNoBaseline = errors.New("envctx: no baseline to apply delta against")
	// ErrBaseFingerprintMismatch is returned when a delta's recorded
	// base-fingerprint does not match the timeline's current head.
	ErrBaseFingerprintMismatch = errors.New("envctx: delta base-fingerprint does not match timeline head")
	// ErrDeltaSequenceOutOfOrder is returned when a delta's sequence
	// number is not exactly one past the last applied delta.
	ErrDeltaSequenceOutOfOrder = errors.New("envctx: delta sequence is not gap-free")
)

// RetentionConfig bounds how much of the timeline is kept, per spec's
// "Retention: keep at most N deltas and M browser snapshots and at most T
// total bytes; always preserve the latest baseline; excess oldest deltas
// drop."
type RetentionConfig struct {
	MaxDeltas           int
	MaxBrowserSnapshots int
	MaxTotalBytes       int
}

// Timeline is the baseline-plus-delta record of a session's execution
// environment. All methods are safe for concurrent use.
type Timeline struct {
	mu sync.Mutex

	baseline *Snapshot
	deltas   []Delta

	lastFingerprint string
	nextSequence    uint64

	browserCount int

	retention RetentionConfig
	metrics   telemetry.Metrics
}

// NewTimeline constructs an empty Timeline. metrics may be nil, in which
// case dedup/gap counters are discarded.
func NewTimeline(retention RetentionConfig, metrics telemetry.Metrics) *Timeline {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Timeline{retention: retention, metrics: metrics}
}

// IsEmpty reports whether no baseline has been recorded yet.
func (t *Timeline) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseline == nil
}

// Baseline returns a copy of the current baseline, or nil if none is set.
func (t *Timeline) Baseline() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return nil
	}
	cp := *t.baseline
	return &cp
}

// Deltas returns a copy of the currently retained deltas, oldest first.
func (t *Timeline) Deltas() []Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]Delta, len(t.deltas))
	copy(cp, t.deltas)
	return cp
}

// Current reassembles the timeline's latest view by folding every retained
// delta onto the baseline. Returns false if no baseline is set.
func (t *Timeline) Current() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return Snapshot{}, false
	}
	snap := *t.baseline
	for _, d := range t.deltas {
		snap = applyDiff(snap, d.Changed)
	}
	return snap, true
}

// AddBaselineOnce sets the timeline's baseline iff none is already set.
// Returns ErrBaselineAlreadySet (not a failure — callers ignore it) if a
// baseline already exists.
func (t *Timeline) AddBaselineOnce(snap Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline != nil {
		return ErrBaselineAlreadySet
	}
	cp := snap
	t.baseline = &cp
	return nil
}

// RecordSnapshot dedups snap against the fingerprint of the last recorded
// snapshot (full or resolved-delta). Returns false (and counts a dedup
// drop) when snap's content fingerprint matches; true (and counts a
// commit) otherwise.
func (t *Timeline) RecordSnapshot(snap Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp := Fingerprint(snap)
	if fp != "" && fp == t.lastFingerprint {
		t.metrics.IncCounter("envctx.dedup_drop", 1)
		return false
	}
	t.lastFingerprint = fp
	t.metrics.IncCounter("envctx.snapshot_commit", 1)
	return true
}

// headFingerprint returns the fingerprint a new delta must be based on: the
// last recorded snapshot's fingerprint, or the baseline's if nothing has
// been recorded yet. Caller must hold t.mu.
func (t *Timeline) headFingerprint() string {
	if t.lastFingerprint != "" {
		return t.lastFingerprint
	}
	if t.baseline != nil {
		return Fingerprint(*t.baseline)
	}
	return ""
}

// ApplyDelta appends delta iff its sequence is exactly one past the last
// applied delta (gap-free) and its BaseFingerprint matches the timeline's
// current head, per spec's EnvironmentContextTimeline invariants. On
// success it prunes the timeline to the configured retention.
func (t *Timeline) ApplyDelta(sequence uint64, delta Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return ErrNoBaseline
	}
	if sequence != t.nextSequence {
		t.metrics.IncCounter("envctx.delta_gap", 1)
		return ErrDeltaSequenceOutOfOrder
	}
	if delta.BaseFingerprint != t.headFingerprint() {
		return ErrBaseFingerprintMismatch
	}
	delta.Sequence = sequence
	t.deltas = append(t.deltas, delta)
	t.nextSequence++
	head := *t.baseline
	for _, d := range t.deltas {
		head = applyDiff(head, d.Changed)
	}
	t.lastFingerprint = Fingerprint(head)
	t.pruneLocked()
	return nil
}

// RecordBrowserSnapshot counts one browser-state message against the
// max_browser_snapshots budget. Returns true if the oldest browser
// snapshot had to be dropped to stay within budget.
func (t *Timeline) RecordBrowserSnapshot() (dropped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browserCount++
	if t.retention.MaxBrowserSnapshots > 0 && t.browserCount > t.retention.MaxBrowserSnapshots {
		t.browserCount = t.retention.MaxBrowserSnapshots
		return true
	}
	return false
}

// pruneLocked drops the oldest deltas until the retained count and total
// byte budget are both satisfied. Caller must hold t.mu.
func (t *Timeline) pruneLocked() {
	if t.retention.MaxDeltas > 0 && len(t.deltas) > t.retention.MaxDeltas {
		t.deltas = t.deltas[len(t.deltas)-t.retention.MaxDeltas:]
	}
	if t.retention.MaxTotalBytes <= 0 {
		return
	}
	for len(t.deltas) > 0 && t.deltaBytesLocked() > t.retention.MaxTotalBytes {
		t.deltas = t.deltas[1:]
	}
}

func (t *Timeline) deltaBytesLocked() int {
	total := 0
	for _, d := range t.deltas {
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		total += len(data)
	}
	return total
}

// PromptItem is one piece of environment-context text ready to prepend to
// the next prompt.
type PromptItem struct {
	Kind string // "baseline" or "delta"
	Text string
}

// AssemblePromptItems renders the baseline plus up to maxDeltas most recent
// deltas as PromptItems, per spec's "at most max_env_deltas deltas are
// retained; at most one baseline" prompt-assembly contract. maxDeltas <= 0
// means unbounded (within what the timeline already retains).
func (t *Timeline) AssemblePromptItems(maxDeltas int) []PromptItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return nil
	}
	items := []PromptItem{{Kind: "baseline", Text: formatSnapshot(*t.baseline)}}
	deltas := t.deltas
	if maxDeltas > 0 && len(deltas) > maxDeltas {
		deltas = deltas[len(deltas)-maxDeltas:]
	}
	for _, d := range deltas {
		items = append(items, PromptItem{Kind: "delta", Text: formatDelta(d)})
	}
	return items
}
