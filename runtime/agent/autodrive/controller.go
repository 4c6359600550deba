package autodrive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentforge/core/runtime/agent/telemetry"
)

// CoordinatorStatus is the terminal-or-continuing state an auto coordinator
// reports alongside each Decision.
type CoordinatorStatus string

const (
	CoordinatorRunning CoordinatorStatus = "running"
	CoordinatorSuccess CoordinatorStatus = "success"
	CoordinatorFailed  CoordinatorStatus = "failed"
	CoordinatorStop    CoordinatorStatus = "stop"
)

// AgentPlanItem is one sub-agent dispatch the coordinator wants launched
// alongside a turn.
type AgentPlanItem struct {
	Model  string
	Prompt string
}

// Timing distinguishes when a Decision's agent plan runs relative to its
// CLI prompt's turn: Parallel agents run alongside the CLI prompt's turn;
// Blocking agents must complete before the composite prompt is submitted.
type Timing string

const (
	TimingParallel Timing = "parallel"
	TimingBlocking Timing = "blocking"
)

// Decision is one step of the auto-coordinator's plan: an optional prompt
// to run through the CLI turn loop, and/or an optional sub-agent batch.
type Decision struct {
	CLIPrompt string
	HasPrompt bool

	Agents       []AgentPlanItem
	AgentsTiming Timing
	HasAgents    bool
}

// Coordinator mirrors the Rust "auto coordinator": given the mirrored
// conversation history so far, produce the next Decision or a terminal
// status.
type Coordinator interface {
	Next(ctx context.Context, history []string) (CoordinatorStatus, *Decision, error)
	// Ack forwards the updated conversation (including the assistant's
	// latest final message) back to the coordinator, per spec step 2's
	// "forward the updated conversation back to the coordinator with an
	// ack".
	Ack(ctx context.Context, history []string) error
}

// Submitter is the thin slice of Session the controller needs: submit a
// composite prompt and await its TaskComplete.
type Submitter interface {
	Submit(ctx context.Context, prompt string) (subID string, err error)
	AwaitTaskComplete(ctx context.Context, subID string) (finalMessage string, err error)
}

// ErrDeadlineExpired is returned by Run when the configured time budget
// elapses before the coordinator reaches a terminal status.
var ErrDeadlineExpired = errors.New("autodrive: time budget expired")

// Controller drives the Auto-Drive decide-then-delegate loop (spec
// "Auto-Drive loop"): repeatedly ask the Coordinator for a Decision, submit
// its composite prompt, await completion, and feed the result back.
type Controller struct {
	coordinator Coordinator
	submitter   Submitter
	logger      telemetry.Logger
	history     []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the controller's logger. Defaults to NoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController constructs a Controller around the given coordinator and
// submitter.
func NewController(coordinator Coordinator, submitter Submitter, opts ...Option) *Controller {
	c := &Controller{
		coordinator: coordinator,
		submitter:   submitter,
		logger:      telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the Auto-Drive loop until the coordinator reports
// Success/Failed/Stop, the context is cancelled, or deadline (if non-zero)
// elapses. Returns ErrDeadlineExpired on budget expiry; callers are
// responsible for submitting Interrupt/Shutdown in response, per spec's
// "Deadline enforcement".
func (c *Controller) Run(ctx context.Context, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrDeadlineExpired
		}

		status, decision, err := c.coordinator.Next(ctx, c.history)
		if err != nil {
			return fmt.Errorf("autodrive: coordinator step: %w", err)
		}

		switch status {
		case CoordinatorSuccess, CoordinatorFailed, CoordinatorStop:
			c.logger.Info(ctx, "autodrive: coordinator reported terminal status", "status", string(status))
			return nil
		case CoordinatorRunning:
			// fall through to dispatch decision
		default:
			return fmt.Errorf("autodrive: unknown coordinator status %q", status)
		}

		if decision == nil {
			continue
		}

		prompt := buildCompositePrompt(decision)
		if prompt == "" {
			continue
		}

		subID, err := c.submitter.Submit(ctx, prompt)
		if err != nil {
			return fmt.Errorf("autodrive: submit: %w", err)
		}
		finalMessage, err := c.submitter.AwaitTaskComplete(ctx, subID)
		if err != nil {
			return fmt.Errorf("autodrive: await task complete: %w", err)
		}

		c.history = append(c.history, finalMessage)
		if err := c.coordinator.Ack(ctx, c.history); err != nil {
			return fmt.Errorf("autodrive: ack: %w", err)
		}
	}
}

// buildCompositePrompt assembles the submission text from a Decision's CLI
// prompt and optional sub-agent plan, per spec's "build a composite prompt
// (optional context + CLI prompt + optional <agents> block describing
// sub-agent plan and timing)".
func buildCompositePrompt(d *Decision) string {
	var b strings.Builder
	if d.HasPrompt {
		b.WriteString(d.CLIPrompt)
	}
	if d.HasAgents && len(d.Agents) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<agents timing=%q>\n", string(d.AgentsTiming))
		for _, a := range d.Agents {
			fmt.Fprintf(&b, "  <agent model=%q>%s</agent>\n", a.Model, a.Prompt)
		}
		b.WriteString("</agents>")
	}
	return b.String()
}
