package subagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeExecutor lets tests drive an agent's lifecycle without spawning real
// processes; it blocks on release() (or ctx cancellation) then reports the
// configured result.
type fakeExecutor struct {
	mu       sync.Mutex
	released map[string]chan struct{}
	result   string
	resErr   string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{released: make(map[string]chan struct{})}
}

func (f *fakeExecutor) run(ctx context.Context, m *Manager, agentID string, cfg *Config) {
	f.mu.Lock()
	ch, ok := f.released[agentID]
	if !ok {
		ch = make(chan struct{})
		f.released[agentID] = ch
	}
	f.mu.Unlock()

	m.updateStatus(agentID, StatusRunning)
	select {
	case <-ch:
	case <-ctx.Done():
		return
	}
	m.updateResult(agentID, f.result, f.resErr)
}

func (f *fakeExecutor) release(agentID string) {
	f.mu.Lock()
	ch, ok := f.released[agentID]
	if !ok {
		ch = make(chan struct{})
		f.released[agentID] = ch
	}
	f.mu.Unlock()
	close(ch)
}

func newTestManager(t *testing.T, exec *fakeExecutor) *Manager {
	t.Helper()
	m := New(nil)
	m.executor = exec.run
	return m
}

func TestCreateAgentStartsPendingThenRunning(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)

	id := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "hello", ReadOnly: true})
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		a, ok := m.GetAgent(id)
		return ok && a.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	exec.release(id)
	require.Eventually(t, func() bool {
		a, ok := m.GetAgent(id)
		return ok && a.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestCancelAgentAbortsExecutor(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)

	id := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "hello", ReadOnly: true})
	require.Eventually(t, func() bool {
		a, ok := m.GetAgent(id)
		return ok && a.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.True(t, m.CancelAgent(id))
	a, ok := m.GetAgent(id)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, a.Status)
	require.False(t, a.CompletedAt.IsZero())

	require.False(t, m.CancelAgent(id))
	require.False(t, m.CancelAgent("no-such-agent"))
}

func TestCancelBatchCancelsOnlyMatchingAgents(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)

	a1 := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "a", ReadOnly: true, BatchID: "b1"})
	a2 := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "b", ReadOnly: true, BatchID: "b1"})
	a3 := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "c", ReadOnly: true, BatchID: "b2"})

	for _, id := range []string{a1, a2, a3} {
		id := id
		require.Eventually(t, func() bool {
			a, ok := m.GetAgent(id)
			return ok && a.Status == StatusRunning
		}, time.Second, 5*time.Millisecond)
	}

	count := m.CancelBatch("b1")
	require.Equal(t, 2, count)

	agent3, ok := m.GetAgent(a3)
	require.True(t, ok)
	require.Equal(t, StatusRunning, agent3.Status)
	exec.release(a3)
}

func TestListAgentsFiltersByStatusAndBatch(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)

	a1 := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "a", ReadOnly: true, BatchID: "batch-x"})
	a2 := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "b", ReadOnly: true, BatchID: "batch-y"})

	require.Eventually(t, func() bool {
		x, okx := m.GetAgent(a1)
		y, oky := m.GetAgent(a2)
		return okx && oky && x.Status == StatusRunning && y.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	exec.release(a1)
	require.Eventually(t, func() bool {
		a, ok := m.GetAgent(a1)
		return ok && a.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	completed := m.ListAgents(ListFilter{Status: StatusCompleted, HasStatus: true})
	require.Len(t, completed, 1)
	require.Equal(t, a1, completed[0].ID)

	batchY := m.ListAgents(ListFilter{BatchID: "batch-y", HasBatchID: true})
	require.Len(t, batchY, 1)
	require.Equal(t, a2, batchY[0].ID)

	exec.release(a2)
}

func TestHasActiveAgents(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)
	require.False(t, m.HasActiveAgents())

	id := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "a", ReadOnly: true})
	require.Eventually(t, func() bool { return m.HasActiveAgents() }, time.Second, 5*time.Millisecond)

	exec.release(id)
	require.Eventually(t, func() bool { return !m.HasActiveAgents() }, time.Second, 5*time.Millisecond)
}

func TestSweepInactiveFailsStaleAgents(t *testing.T) {
	exec := newFakeExecutor()
	m := newTestManager(t, exec)
	m.inactivityTimeout = time.Millisecond

	id := m.CreateAgent(context.Background(), CreateParams{Model: "claude", Prompt: "a", ReadOnly: true})
	require.Eventually(t, func() bool {
		a, ok := m.GetAgent(id)
		return ok && a.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	m.sweepInactive()

	a, ok := m.GetAgent(id)
	require.True(t, ok)
	require.Equal(t, StatusFailed, a.Status)
	require.Contains(t, a.Error, "timed out")
}

func TestGenerateBranchIDUsesModelAndPromptKeywords(t *testing.T) {
	id := generateBranchID("Claude-Sonnet", "Please refactor the authentication middleware now")
	require.Contains(t, id, "code-claude-sonnet-")
	require.Contains(t, id, "refactor")
}

func TestGenerateBranchIDFallsBackWhenPromptHasNoKeywords(t *testing.T) {
	id := generateBranchID("gpt", "a an if")
	require.Contains(t, id, "code-gpt-")
	require.Greater(t, len(id), len("code-gpt-"))
}

func TestStripModelFlagsRemovesShortLongAndEqualsForm(t *testing.T) {
	args := stripModelFlags([]string{"-m", "gpt-4", "--model", "gpt-5", "--model=gpt-6", "--keep"})
	require.Equal(t, []string{"--keep"}, args)
}

func TestBuildEnvSynthesizesAliasesAndSubagentMarker(t *testing.T) {
	cfg := &Config{Env: map[string]string{"GOOGLE_API_KEY": "secret"}}
	env := buildEnv(cfg, SourceKindAutoReview)

	has := func(kv string) bool {
		for _, e := range env {
			if e == kv {
				return true
			}
		}
		return false
	}
	require.True(t, has("GEMINI_API_KEY=secret"))
	require.True(t, has("CODE_OPENAI_SUBAGENT=review"))
}

func TestShouldUseCurrentExePrefersSelfFamilyWhenMissing(t *testing.T) {
	require.True(t, shouldUseCurrentExe("codex", "codex", true))
	require.False(t, shouldUseCurrentExe("claude", "claude", true))
	require.True(t, shouldUseCurrentExe("code", "code", false))
	require.False(t, shouldUseCurrentExe("codex", "/usr/bin/some-other-tool", false))
}
