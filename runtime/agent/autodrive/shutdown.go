package autodrive

import "time"

// DefaultShutdownGraceMillis is the default grace window exec waits after
// Auto-Review stops running background agents before sending Shutdown.
const DefaultShutdownGraceMillis = 1500

// ShutdownGate implements spec's "Shutdown grace for child agents" state
// machine: exec must not send Shutdown while an auto-review agent could
// still be writing to its worktree, and even after the last one finishes it
// waits out a grace window in case a new one is about to start.
type ShutdownGate struct {
	graceWindow time.Duration

	pending  bool
	deadline time.Time

	now func() time.Time
}

// NewShutdownGate constructs a gate with the given grace window. A zero
// graceWindow disables the grace period entirely (shutdown fires as soon as
// no auto-review agent is active).
func NewShutdownGate(graceWindow time.Duration) *ShutdownGate {
	return &ShutdownGate{graceWindow: graceWindow, now: time.Now}
}

// Evaluate implements the table from spec's "Shutdown grace for child
// agents": given whether an auto-review agent is currently running, it
// returns true when Shutdown should be sent now. Call this every time
// autoReviewRunning's value might have changed (agent started/finished) or
// periodically while pending is true.
func (g *ShutdownGate) Evaluate(autoReviewRunning bool) (sendNow bool) {
	if autoReviewRunning {
		g.pending = true
		return false
	}

	graceEnabled := g.graceWindow > 0
	if !graceEnabled {
		g.pending = false
		return true
	}

	if !g.pending {
		g.deadline = g.now().Add(g.graceWindow)
		g.pending = true
		return false
	}

	if g.now().Before(g.deadline) {
		return false
	}

	g.pending = false
	return true
}
