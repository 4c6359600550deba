package envctx

import (
	"encoding/json"
	"testing"

	"github.com/agentforge/core/runtime/agent/rollout"
	"github.com/stretchr/testify/require"
)

func TestReconstructReplaysBaselineAndDelta(t *testing.T) {
	base := baseSnap()
	baselinePayload, err := base.ToStatePayload()
	require.NoError(t, err)

	next := base
	next.Branch = "feature/z"
	delta := Delta{Sequence: 0, BaseFingerprint: Fingerprint(base), Changed: diffSnapshots(base, next)}
	deltaPayload, err := delta.ToStatePayload()
	require.NoError(t, err)

	tl, err := Reconstruct([]rollout.StatePayload{baselinePayload, deltaPayload}, nil, RetentionConfig{}, nil)
	require.NoError(t, err)

	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, "feature/z", current.Branch)
	require.Equal(t, base.Cwd, current.Cwd)
}

func TestReconstructFallsBackToLegacyXMLWhenNoStateRecords(t *testing.T) {
	xml := "<environment_context><cwd>/legacy/repo</cwd><branch>old-branch</branch></environment_context>"
	content, err := json.Marshal(xml)
	require.NoError(t, err)

	history := []rollout.HistoryItem{
		{Role: "user", Content: content},
	}

	tl, err := Reconstruct(nil, history, RetentionConfig{}, nil)
	require.NoError(t, err)
	require.False(t, tl.IsEmpty())

	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, "/legacy/repo", current.Cwd)
	require.Equal(t, "old-branch", current.Branch)
}

func TestReconstructIgnoresLegacyXMLWhenBaselineAlreadyPresent(t *testing.T) {
	base := baseSnap()
	baselinePayload, err := base.ToStatePayload()
	require.NoError(t, err)

	xml := "<environment_context><cwd>/legacy/repo</cwd></environment_context>"
	content, err := json.Marshal(xml)
	require.NoError(t, err)
	history := []rollout.HistoryItem{{Role: "user", Content: content}}

	tl, err := Reconstruct([]rollout.StatePayload{baselinePayload}, history, RetentionConfig{}, nil)
	require.NoError(t, err)

	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, base.Cwd, current.Cwd)
}

func TestExtractXMLTagReturnsEmptyWhenMissing(t *testing.T) {
	require.Equal(t, "", extractXMLTag("<environment_context></environment_context>", "cwd"))
}

func TestReconstructUsesLatestLegacyXMLWhenMultipleCandidates(t *testing.T) {
	older, err := json.Marshal("<environment_context><cwd>/old</cwd></environment_context>")
	require.NoError(t, err)
	newer, err := json.Marshal("<environment_context><cwd>/new</cwd></environment_context>")
	require.NoError(t, err)

	history := []rollout.HistoryItem{
		{Role: "user", Content: older},
		{Role: "user", Content: newer},
	}

	tl, err := Reconstruct(nil, history, RetentionConfig{}, nil)
	require.NoError(t, err)

	current, ok := tl.Current()
	require.True(t, ok)
	require.Equal(t, "/new", current.Cwd)
}
