package autodrive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedCoordinator struct {
	steps    []Decision
	statuses []CoordinatorStatus
	i        int
	acked    [][]string
}

func (c *scriptedCoordinator) Next(ctx context.Context, history []string) (CoordinatorStatus, *Decision, error) {
	status := c.statuses[c.i]
	var decision *Decision
	if c.i < len(c.steps) {
		d := c.steps[c.i]
		decision = &d
	}
	c.i++
	return status, decision, nil
}

func (c *scriptedCoordinator) Ack(ctx context.Context, history []string) error {
	cp := append([]string(nil), history...)
	c.acked = append(c.acked, cp)
	return nil
}

type echoSubmitter struct {
	submitted []string
}

func (s *echoSubmitter) Submit(ctx context.Context, prompt string) (string, error) {
	s.submitted = append(s.submitted, prompt)
	return "sub-1", nil
}

func (s *echoSubmitter) AwaitTaskComplete(ctx context.Context, subID string) (string, error) {
	return "final: " + subID, nil
}

func TestControllerRunsUntilTerminalStatus(t *testing.T) {
	coord := &scriptedCoordinator{
		statuses: []CoordinatorStatus{CoordinatorRunning, CoordinatorRunning, CoordinatorSuccess},
		steps: []Decision{
			{CLIPrompt: "do step one", HasPrompt: true},
			{CLIPrompt: "do step two", HasPrompt: true},
		},
	}
	sub := &echoSubmitter{}
	c := NewController(coord, sub)

	err := c.Run(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, sub.submitted, 2)
	require.Len(t, coord.acked, 2)
	require.Equal(t, []string{"final: sub-1"}, coord.acked[0])
}

func TestControllerStopsOnStopStatusWithoutSubmitting(t *testing.T) {
	coord := &scriptedCoordinator{statuses: []CoordinatorStatus{CoordinatorStop}}
	sub := &echoSubmitter{}
	c := NewController(coord, sub)

	err := c.Run(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Empty(t, sub.submitted)
}

func TestControllerReturnsDeadlineExpired(t *testing.T) {
	coord := &scriptedCoordinator{statuses: []CoordinatorStatus{CoordinatorRunning, CoordinatorRunning}}
	sub := &echoSubmitter{}
	c := NewController(coord, sub)

	err := c.Run(context.Background(), time.Now().Add(-time.Second))
	require.ErrorIs(t, err, ErrDeadlineExpired)
}

func TestBuildCompositePromptIncludesAgentsBlock(t *testing.T) {
	prompt := buildCompositePrompt(&Decision{
		CLIPrompt: "fix the bug",
		HasPrompt: true,
		Agents: []AgentPlanItem{
			{Model: "gpt-5", Prompt: "investigate flaky test"},
		},
		AgentsTiming: TimingParallel,
		HasAgents:    true,
	})
	require.Contains(t, prompt, "fix the bug")
	require.Contains(t, prompt, `<agents timing="parallel">`)
	require.Contains(t, prompt, "investigate flaky test")
}
