package autodrive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownGateDefersWhileAutoReviewRunning(t *testing.T) {
	g := NewShutdownGate(1500 * time.Millisecond)
	require.False(t, g.Evaluate(true))
	require.False(t, g.Evaluate(true))
}

func TestShutdownGateSendsImmediatelyWhenGraceDisabled(t *testing.T) {
	g := NewShutdownGate(0)
	require.True(t, g.Evaluate(false))
}

func TestShutdownGateWaitsOutGraceWindowThenSends(t *testing.T) {
	clock := time.Now()
	g := NewShutdownGate(100 * time.Millisecond)
	g.now = func() time.Time { return clock }

	require.False(t, g.Evaluate(false)) // schedules deadline, pending=true

	clock = clock.Add(50 * time.Millisecond)
	require.False(t, g.Evaluate(false)) // still pending, deadline future

	clock = clock.Add(60 * time.Millisecond)
	require.True(t, g.Evaluate(false)) // deadline past, send and clear
}

func TestShutdownGateRearmsAfterAutoReviewResumes(t *testing.T) {
	clock := time.Now()
	g := NewShutdownGate(100 * time.Millisecond)
	g.now = func() time.Time { return clock }

	require.False(t, g.Evaluate(false))
	require.False(t, g.Evaluate(true)) // a new agent starts before grace elapses
	require.True(t, g.pending)

	clock = clock.Add(200 * time.Millisecond)
	require.False(t, g.Evaluate(true)) // still running, keep deferring
}
