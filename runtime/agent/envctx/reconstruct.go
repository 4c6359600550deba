package envctx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/agentforge/core/runtime/agent/rollout"
	"github.com/agentforge/core/runtime/agent/telemetry"
)

// State kinds recorded into rollout.StatePayload.Kind by a live Timeline
// (see ToStatePayload); Reconstruct recognizes these when replaying a log.
const (
	KindBaseline = "env_baseline"
	KindDelta    = "env_delta"
)

// ToStatePayload serializes s as a rollout.StatePayload baseline record,
// ready for Writer.AppendState.
func (s Snapshot) ToStatePayload() (rollout.StatePayload, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return rollout.StatePayload{}, err
	}
	return rollout.StatePayload{Kind: KindBaseline, Data: data}, nil
}

// ToStatePayload serializes d as a rollout.StatePayload delta record.
func (d Delta) ToStatePayload() (rollout.StatePayload, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return rollout.StatePayload{}, err
	}
	return rollout.StatePayload{Kind: KindDelta, Data: data}, nil
}

const legacyXMLMarker = "<environment_context>"

// Reconstruct rebuilds a Timeline from the State records a rollout replay
// collected (see rollout.Reconstruct's Reconstruction.StateSnapshots),
// falling back to a legacy XML status message found in history when no
// baseline/delta records exist at all, per spec's "if no baseline exists
// but a legacy XML status message is present, it is mapped to a baseline".
// logger may be nil; it only receives a Warn when more than one legacy
// candidate is found (Open Question decision: the latest one wins).
func Reconstruct(snapshots []rollout.StatePayload, history []rollout.HistoryItem, retention RetentionConfig, logger telemetry.Logger) (*Timeline, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	t := NewTimeline(retention, nil)

	for _, sp := range snapshots {
		switch sp.Kind {
		case KindBaseline:
			var snap Snapshot
			if err := json.Unmarshal(sp.Data, &snap); err != nil {
				return nil, err
			}
			if err := t.AddBaselineOnce(snap); err != nil && !errors.Is(err, ErrBaselineAlreadySet) {
				return nil, err
			}
			t.RecordSnapshot(snap)
		case KindDelta:
			var delta Delta
			if err := json.Unmarshal(sp.Data, &delta); err != nil {
				return nil, err
			}
			if err := t.ApplyDelta(delta.Sequence, delta); err != nil {
				return nil, err
			}
			if snap, ok := t.Current(); ok {
				t.RecordSnapshot(snap)
			}
		}
	}

	if t.IsEmpty() {
		if snap, ok := baselineFromLegacyXML(history, logger); ok {
			_ = t.AddBaselineOnce(snap)
			t.RecordSnapshot(snap)
		}
	}

	return t, nil
}

// baselineFromLegacyXML scans history for legacy "<environment_context>"
// status messages and maps the latest match to a baseline, per Open
// Question decision #1 (multiple candidates resolve to the most recent
// one, not the first, with a Warn so the ambiguity is observable).
func baselineFromLegacyXML(history []rollout.HistoryItem, logger telemetry.Logger) (Snapshot, bool) {
	found := false
	var latest string
	candidates := 0
	for _, item := range history {
		if item.Role != "user" {
			continue
		}
		text := historyItemText(item)
		if strings.Contains(text, legacyXMLMarker) {
			candidates++
			latest = text
			found = true
		}
	}
	if !found {
		return Snapshot{}, false
	}
	if candidates > 1 {
		logger.Warn(context.Background(), "multiple legacy environment_context messages found, using latest", "count", candidates)
	}
	return parseLegacyXMLStatus(latest), true
}

func historyItemText(item rollout.HistoryItem) string {
	var s string
	if err := json.Unmarshal(item.Content, &s); err == nil {
		return s
	}
	return string(item.Content)
}

func parseLegacyXMLStatus(text string) Snapshot {
	return Snapshot{
		Cwd:             extractXMLTag(text, "cwd"),
		Branch:          extractXMLTag(text, "branch"),
		ApprovalPolicy:  extractXMLTag(text, "approval_policy"),
		Sandbox:         extractXMLTag(text, "sandbox"),
		Shell:           extractXMLTag(text, "shell"),
		ReasoningEffort: extractXMLTag(text, "reasoning_effort"),
	}
}

func extractXMLTag(content, tag string) string {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	start := strings.Index(content, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	rest := content[start:]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
