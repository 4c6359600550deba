// Package envctx implements the environment-context timeline: the
// baseline-plus-delta record of cwd, git branch, approval/sandbox policy,
// shell, reasoning effort, and browser state that the turn loop prepends to
// every prompt so the model always sees an up to date execution
// environment, without re-sending the full payload on every turn.
package envctx

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is a full point-in-time view of the session's execution
// environment, per spec's EnvironmentContextTimeline baseline shape.
type Snapshot struct {
	Cwd             string
	Branch          string
	ApprovalPolicy  string
	Sandbox         string
	Shell           string
	ReasoningEffort string
	Browser         string
}

// Fingerprint returns a stable content hash of s, used to detect duplicate
// snapshots (dedup) and to validate a Delta's base-fingerprint against the
// timeline head. Field order is fixed by Snapshot's declaration, so this is
// deterministic across the session's lifetime.
func Fingerprint(s Snapshot) string {
	data, _ := json.Marshal(s)
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Delta is the minimal set of changed fields between two consecutive
// snapshots, keyed by field name ("cwd", "branch", "approval_policy",
// "sandbox", "shell", "reasoning_effort", "browser").
type Delta struct {
	Sequence        uint64
	BaseFingerprint string
	Changed         map[string]string
}

// diffSnapshots computes the minimal Delta.Changed map taking prev to next.
func diffSnapshots(prev, next Snapshot) map[string]string {
	changed := make(map[string]string)
	if prev.Cwd != next.Cwd {
		changed["cwd"] = next.Cwd
	}
	if prev.Branch != next.Branch {
		changed["branch"] = next.Branch
	}
	if prev.ApprovalPolicy != next.ApprovalPolicy {
		changed["approval_policy"] = next.ApprovalPolicy
	}
	if prev.Sandbox != next.Sandbox {
		changed["sandbox"] = next.Sandbox
	}
	if prev.Shell != next.Shell {
		changed["shell"] = next.Shell
	}
	if prev.ReasoningEffort != next.ReasoningEffort {
		changed["reasoning_effort"] = next.ReasoningEffort
	}
	if prev.Browser != next.Browser {
		changed["browser"] = next.Browser
	}
	return changed
}

// applyDiff returns the Snapshot obtained by applying changed on top of
// base, used when reconstructing the timeline's current view from a
// baseline plus a chain of deltas.
func applyDiff(base Snapshot, changed map[string]string) Snapshot {
	next := base
	if v, ok := changed["cwd"]; ok {
		next.Cwd = v
	}
	if v, ok := changed["branch"]; ok {
		next.Branch = v
	}
	if v, ok := changed["approval_policy"]; ok {
		next.ApprovalPolicy = v
	}
	if v, ok := changed["sandbox"]; ok {
		next.Sandbox = v
	}
	if v, ok := changed["shell"]; ok {
		next.Shell = v
	}
	if v, ok := changed["reasoning_effort"]; ok {
		next.ReasoningEffort = v
	}
	if v, ok := changed["browser"]; ok {
		next.Browser = v
	}
	return next
}
