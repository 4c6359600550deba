package autodrive

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforge/core/runtime/agent/review"
	"github.com/agentforge/core/runtime/agent/telemetry"
)

// ReviewPhase is the auto-resolve state machine's current step, mirroring
// the Rust original's AutoResolvePhase.
type ReviewPhase string

const (
	PhaseAwaitingReview ReviewPhase = "awaiting_review"
	PhasePendingFix     ReviewPhase = "pending_fix"
	PhaseAwaitingFix    ReviewPhase = "awaiting_fix"
)

// ReviewOutcome is what a completed review turn (ExitedReviewMode) reports.
type ReviewOutcome struct {
	Findings []string
	RawJSON  string
}

// Snapshotter captures a point-in-time snapshot of cwd's working tree,
// parented to parent (empty for the base snapshot), and reports whether the
// tree differs from parent. The concrete ghost-commit mechanism is left to
// the caller: this package only needs snapshot identity and a changed flag
// to implement the auto-resolve convergence check.
type Snapshotter interface {
	Capture(ctx context.Context, cwd string, parent string, message string) (id string, changed bool, err error)
}

// AutoResolveState tracks one /review auto-resolve run across the
// AwaitingReview -> PendingFix -> AwaitingFix cycle described in spec
// "Auto-Review / /review auto-resolve loop".
type AutoResolveState struct {
	Prompt         string
	UserFacingHint string
	Metadata       map[string]string

	MaxAttempts uint32
	Attempt     uint32

	Phase         ReviewPhase
	SnapshotEpoch *uint64
	PendingReview *ReviewOutcome

	BaseSnapshotID string
	LastReviewedID string

	cwd    string
	logger telemetry.Logger

	fixGuard      *review.Guard
	followupGuard *review.Guard
}

// NewAutoResolveState starts a fresh auto-resolve run in PhaseAwaitingReview.
func NewAutoResolveState(cwd, prompt, hint string, metadata map[string]string, maxAttempts uint32, logger telemetry.Logger) *AutoResolveState {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &AutoResolveState{
		Prompt:         prompt,
		UserFacingHint: hint,
		Metadata:       metadata,
		MaxAttempts:    maxAttempts,
		Phase:          PhaseAwaitingReview,
		cwd:            cwd,
		logger:         logger,
	}
}

// Stop releases whichever guards are currently held. Safe to call multiple
// times and on a nil receiver.
func (s *AutoResolveState) Stop() {
	if s == nil {
		return
	}
	s.releaseFixGuard()
	s.releaseFollowupGuard()
}

func (s *AutoResolveState) releaseFixGuard() {
	if s.fixGuard != nil {
		_ = s.fixGuard.Release()
		s.fixGuard = nil
	}
}

func (s *AutoResolveState) releaseFollowupGuard() {
	if s.followupGuard != nil {
		_ = s.followupGuard.Release()
		s.followupGuard = nil
	}
}

// CaptureBaseSnapshot takes the base ghost-commit snapshot the first
// review turn runs against and records the current snapshot epoch, per
// spec step 2 ("Acquire the 'review' lock. Capture a base ghost-commit
// snapshot if none exists, and record the current snapshot epoch.").
func (s *AutoResolveState) CaptureBaseSnapshot(ctx context.Context, snap Snapshotter) error {
	if s.BaseSnapshotID != "" {
		return nil
	}
	id, _, err := snap.Capture(ctx, s.cwd, "", "auto-resolve base snapshot")
	if err != nil {
		return fmt.Errorf("autodrive: capture base snapshot: %w", err)
	}
	s.BaseSnapshotID = id
	epoch := review.SnapshotEpoch(s.cwd)
	s.SnapshotEpoch = &epoch
	return nil
}

// OnExitedReviewMode processes the ExitedReviewMode event per spec step 4:
// release the review lock, check the snapshot epoch has not diverged,
// stop if there are no findings or the attempt budget is exhausted, else
// transition to PendingFix. reviewLock is the guard acquired before
// starting the review turn; it is released unconditionally here.
//
// Returns done=true when the loop should stop (successfully or not), with
// message set to a human-facing explanation when stopping early.
func (s *AutoResolveState) OnExitedReviewMode(reviewLock *review.Guard, outcome ReviewOutcome) (done bool, message string) {
	if reviewLock != nil {
		_ = reviewLock.Release()
	}

	currentEpoch := review.SnapshotEpoch(s.cwd)
	if s.SnapshotEpoch != nil && currentEpoch != *s.SnapshotEpoch {
		s.logger.Warn(context.Background(), "autodrive: snapshot epoch diverged, aborting auto-resolve",
			"captured", *s.SnapshotEpoch, "current", currentEpoch)
		return true, "auto-resolve aborted: workspace changed concurrently"
	}

	if len(outcome.Findings) == 0 {
		return true, ""
	}

	s.Attempt++
	if s.MaxAttempts > 0 && s.Attempt > s.MaxAttempts {
		return true, fmt.Sprintf("auto-resolve stopped: exceeded max attempts (%d)", s.MaxAttempts)
	}

	s.PendingReview = &outcome
	s.Phase = PhasePendingFix
	return false, ""
}

// OnTaskComplete advances the state machine on the TaskComplete following a
// PendingFix or AwaitingFix phase, per spec step 5. Returns the composite
// fix/follow-up prompt to submit next, or done=true (with message) when the
// loop must stop.
func (s *AutoResolveState) OnTaskComplete(ctx context.Context, snap Snapshotter) (prompt string, done bool, message string) {
	switch s.Phase {
	case PhasePendingFix:
		return s.onPendingFix(ctx)
	case PhaseAwaitingFix:
		return s.onAwaitingFix(ctx, snap)
	default:
		// TaskComplete from a review turn itself; handled in
		// OnExitedReviewMode, not here.
		return "", false, ""
	}
}

func (s *AutoResolveState) onPendingFix(ctx context.Context) (prompt string, done bool, message string) {
	if s.fixGuard == nil {
		guard, err := review.TryAcquireLock(review.NamespaceAutoResolveFix, s.cwd)
		if err != nil || guard == nil {
			return "", true, "auto-resolve stopped: could not acquire fix lock"
		}
		s.fixGuard = guard
	}

	epoch := review.SnapshotEpoch(s.cwd)
	s.SnapshotEpoch = &epoch
	s.Phase = PhaseAwaitingFix
	return buildFixPrompt(s.PendingReview), false, ""
}

func (s *AutoResolveState) onAwaitingFix(ctx context.Context, snap Snapshotter) (prompt string, done bool, message string) {
	s.releaseFixGuard()

	followupGuard, err := review.TryAcquireLock(review.NamespaceAutoResolveFollowup, s.cwd)
	if err != nil || followupGuard == nil {
		return "", true, "auto-resolve stopped: could not acquire followup lock"
	}
	s.followupGuard = followupGuard

	id, changed, err := snap.Capture(ctx, s.cwd, s.BaseSnapshotID, "auto-resolve followup snapshot")
	if err != nil {
		s.releaseFollowupGuard()
		return "", true, fmt.Sprintf("auto-resolve stopped: follow-up snapshot failed: %v", err)
	}
	if !changed || id == s.LastReviewedID {
		s.releaseFollowupGuard()
		return "", true, ""
	}

	s.LastReviewedID = id
	newEpoch := review.SnapshotEpoch(s.cwd)
	s.SnapshotEpoch = &newEpoch
	s.Phase = PhaseAwaitingReview

	return buildFollowupReviewPrompt(s.Prompt, s.PendingReview), false, ""
}

// buildFixPrompt assembles the composite prompt for a PendingFix turn:
// a formatted findings list plus the raw review JSON, per spec step 5.
func buildFixPrompt(outcome *ReviewOutcome) string {
	if outcome == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Findings to address:\n")
	for i, f := range outcome.Findings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	if outcome.RawJSON != "" {
		b.WriteString("\nRaw review output:\n")
		b.WriteString(outcome.RawJSON)
	}
	return b.String()
}

// buildFollowupReviewPrompt strips prior commit-scope phrasing from the
// original review prompt and appends a recap of the previously reported
// findings, per spec step 5's "stripping prior commit-scope phrases and
// lingering commit mentions, and optionally appending a recap of prior
// findings".
func buildFollowupReviewPrompt(basePrompt string, prior *ReviewOutcome) string {
	stripped := stripCommitScopePhrases(basePrompt)
	if prior == nil || len(prior.Findings) == 0 {
		return stripped
	}
	var b strings.Builder
	b.WriteString(stripped)
	b.WriteString("\n\nPreviously reported findings (verify these are resolved):\n")
	for i, f := range prior.Findings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	return b.String()
}

var commitScopePhrases = []string{
	"for this commit",
	"in this commit",
	"the current commit",
	"this specific commit",
}

func stripCommitScopePhrases(prompt string) string {
	out := prompt
	for _, phrase := range commitScopePhrases {
		out = strings.ReplaceAll(out, phrase, "")
	}
	return strings.Join(strings.Fields(out), " ")
}
