package envctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseSnap() Snapshot {
	return Snapshot{Cwd: "/repo", Branch: "main", ApprovalPolicy: "OnRequest", Sandbox: "WorkspaceWrite", Shell: "/bin/zsh", ReasoningEffort: "medium"}
}

func TestAddBaselineOnceRejectsSecondCall(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	require.NoError(t, tl.AddBaselineOnce(baseSnap()))
	require.ErrorIs(t, tl.AddBaselineOnce(baseSnap()), ErrBaselineAlreadySet)
}

func TestRecordSnapshotDedupsIdenticalContent(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	require.True(t, tl.RecordSnapshot(baseSnap()))
	require.False(t, tl.RecordSnapshot(baseSnap()))

	changed := baseSnap()
	changed.Branch = "feature/x"
	require.True(t, tl.RecordSnapshot(changed))
}

func TestApplyDeltaRequiresMatchingBaseFingerprint(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	base := baseSnap()
	require.NoError(t, tl.AddBaselineOnce(base))
	tl.RecordSnapshot(base)

	next := base
	next.Branch = "feature/y"
	delta := Delta{BaseFingerprint: "wrong", Changed: diffSnapshots(base, next)}

	err := tl.ApplyDelta(0, delta)
	require.ErrorIs(t, err, ErrBaseFingerprintMismatch)
}

func TestApplyDeltaRequiresGapFreeSequence(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	base := baseSnap()
	require.NoError(t, tl.AddBaselineOnce(base))
	tl.RecordSnapshot(base)

	next := base
	next.Branch = "feature/y"
	delta := Delta{BaseFingerprint: Fingerprint(base), Changed: diffSnapshots(base, next)}

	err := tl.ApplyDelta(1, delta) // should be 0
	require.ErrorIs(t, err, ErrDeltaSequenceOutOfOrder)

	require.NoError(t, tl.ApplyDelta(0, delta))
	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, "feature/y", current.Branch)
}

func TestApplyDeltaChainsAgainstPriorDeltaNotJustBaseline(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	base := baseSnap()
	require.NoError(t, tl.AddBaselineOnce(base))
	tl.RecordSnapshot(base)

	step1 := base
	step1.Branch = "feature/y"
	d1 := Delta{BaseFingerprint: Fingerprint(base), Changed: diffSnapshots(base, step1)}
	require.NoError(t, tl.ApplyDelta(0, d1))
	tl.RecordSnapshot(step1)

	step2 := step1
	step2.Cwd = "/repo/sub"
	d2 := Delta{BaseFingerprint: Fingerprint(step1), Changed: diffSnapshots(step1, step2)}
	require.NoError(t, tl.ApplyDelta(1, d2))

	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, "feature/y", current.Branch)
	require.Equal(t, "/repo/sub", current.Cwd)
}

func TestPruneDropsOldestDeltasBeyondMaxDeltas(t *testing.T) {
	tl := NewTimeline(RetentionConfig{MaxDeltas: 2}, nil)
	base := baseSnap()
	require.NoError(t, tl.AddBaselineOnce(base))
	tl.RecordSnapshot(base)

	prev := base
	for i := 0; i < 4; i++ {
		next := prev
		next.Cwd = prev.Cwd + "/x"
		d := Delta{BaseFingerprint: Fingerprint(prev), Changed: diffSnapshots(prev, next)}
		require.NoError(t, tl.ApplyDelta(uint64(i), d))
		tl.RecordSnapshot(next)
		prev = next
	}

	require.Len(t, tl.Deltas(), 2)
}

func TestRecordBrowserSnapshotCapsAtMax(t *testing.T) {
	tl := NewTimeline(RetentionConfig{MaxBrowserSnapshots: 2}, nil)
	require.False(t, tl.RecordBrowserSnapshot())
	require.False(t, tl.RecordBrowserSnapshot())
	require.True(t, tl.RecordBrowserSnapshot())
}

func TestAssemblePromptItemsCapsAtMaxDeltas(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	base := baseSnap()
	require.NoError(t, tl.AddBaselineOnce(base))

	prev := base
	for i := 0; i < 3; i++ {
		next := prev
		next.Cwd = prev.Cwd + "/x"
		d := Delta{BaseFingerprint: Fingerprint(prev), Changed: diffSnapshots(prev, next)}
		require.NoError(t, tl.ApplyDelta(uint64(i), d))
		prev = next
	}

	items := tl.AssemblePromptItems(1)
	require.Len(t, items, 2) // baseline + most recent delta only
	require.Equal(t, "baseline", items[0].Kind)
	require.Equal(t, "delta", items[1].Kind)
}

func TestApplyDeltaFailsWithoutBaseline(t *testing.T) {
	tl := NewTimeline(RetentionConfig{}, nil)
	err := tl.ApplyDelta(0, Delta{})
	require.ErrorIs(t, err, ErrNoBaseline)
}
