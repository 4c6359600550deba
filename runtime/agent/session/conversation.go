package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentforge/core/runtime/agent"
	"github.com/agentforge/core/runtime/agent/approvedcmd"
	"github.com/agentforge/core/runtime/agent/config"
	"github.com/agentforge/core/runtime/agent/engine"
	"github.com/agentforge/core/runtime/agent/envctx"
	"github.com/agentforge/core/runtime/agent/model"
	"github.com/agentforge/core/runtime/agent/rollout"
	agentruntime "github.com/agentforge/core/runtime/agent/runtime"
	"github.com/agentforge/core/runtime/agent/stream"
	"github.com/agentforge/core/runtime/agent/subagent"
	"github.com/agentforge/core/runtime/agent/telemetry"
	"github.com/agentforge/core/runtime/agent/turn"
	"github.com/agentforge/core/runtime/agent/worktree"
)

// Conversation is the turn-loop Session described by the runtime's
// single-active-turn model: the live, in-process object a transport handler
// holds for the life of one conversation. It owns conversation history, the
// environment-context timeline, the durable rollout log, and the
// approved-command set, and drives all of them through a turn.Scheduler
// backed by a workflow handle from the runtime's AgentClient.
//
// Conversation is distinct from Session/Store above: those track durable
// session *metadata* (lifecycle status, run bookkeeping) in a store such as
// Mongo, independent of any particular process being alive. Conversation is
// the thing that actually runs a turn.
type Conversation struct {
	mu sync.Mutex

	id      string
	agentID agent.Ident

	rt       *agentruntime.Runtime
	client   agentruntime.AgentClient
	dispatch *stream.Dispatcher
	logger   telemetry.Logger

	scheduler *turn.Scheduler
	env       *envctx.Timeline
	log       *rollout.Writer

	approved    []approvedcmd.ApprovedCommand
	history     []*model.Message
	completions map[string]chan string

	worktrees *worktree.Manager
	agents    *subagent.Manager
}

// Option configures a Conversation at construction time.
type Option func(*Conversation)

// WithLogger overrides the Conversation's logger, used for warnings when an
// approval notification or task completion races a replaced task.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Conversation) { c.logger = l }
}

// WithApprovedCommands seeds the conversation's approved-command set, e.g.
// restored from a prior session.
func WithApprovedCommands(cmds []approvedcmd.ApprovedCommand) Option {
	return func(c *Conversation) {
		c.approved = append([]approvedcmd.ApprovedCommand(nil), cmds...)
	}
}

// WithWorktreeManager attaches the worktree manager a sub-agent spawned from
// this conversation uses to acquire its own git worktree.
func WithWorktreeManager(m *worktree.Manager) Option {
	return func(c *Conversation) { c.worktrees = m }
}

// WithSubAgentManager attaches the sub-agent manager this conversation's
// tool calls delegate to when a turn spawns a child agent.
func WithSubAgentManager(m *subagent.Manager) Option {
	return func(c *Conversation) { c.agents = m }
}

// NewConversation opens a fresh rollout log for sessionID under paths and
// wires a Conversation around rt for agentID.
func NewConversation(rt *agentruntime.Runtime, agentID agent.Ident, sessionID string, paths config.Paths, retention envctx.RetentionConfig, opts ...Option) (*Conversation, error) {
	client, err := rt.Client(agentID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	w, err := rollout.NewWriter(paths, sessionID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("session: open rollout log: %w", err)
	}
	return newConversation(rt, client, agentID, sessionID, w, envctx.NewTimeline(retention, nil), nil, opts), nil
}

// Resume rebuilds a Conversation from an existing rollout log at logPath,
// replaying its environment-context timeline and conversation history per
// the history-reconstruction rules in rollout/envctx.
func Resume(rt *agentruntime.Runtime, agentID agent.Ident, logPath string, retention envctx.RetentionConfig, opts ...Option) (*Conversation, error) {
	client, err := rt.Client(agentID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	recon, err := rollout.Reconstruct(logPath)
	if err != nil {
		return nil, fmt.Errorf("session: reconstruct rollout log: %w", err)
	}
	timeline, err := envctx.Reconstruct(recon.StateSnapshots, recon.History, retention, nil)
	if err != nil {
		return nil, fmt.Errorf("session: reconstruct environment context: %w", err)
	}
	w, err := rollout.OpenWriter(logPath)
	if err != nil {
		return nil, fmt.Errorf("session: reopen rollout log: %w", err)
	}
	return newConversation(rt, client, agentID, recon.SessionID, w, timeline, historyToMessages(recon.History), opts), nil
}

func newConversation(rt *agentruntime.Runtime, client agentruntime.AgentClient, agentID agent.Ident, sessionID string, w *rollout.Writer, env *envctx.Timeline, history []*model.Message, opts []Option) *Conversation {
	c := &Conversation{
		id:        sessionID,
		agentID:   agentID,
		rt:        rt,
		client:    client,
		dispatch:  rt.Dispatch,
		logger:    telemetry.NoopLogger{},
		scheduler: turn.NewScheduler(),
		env:       env,
		log:       w,
		history:   history,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// historyToMessages projects reconstructed rollout history onto the
// transcript shape the model client expects. Function call/result items
// carry no direct model.Part equivalent here and are skipped; they remain
// available to tool-result replay via recon.History itself.
func historyToMessages(items []rollout.HistoryItem) []*model.Message {
	var out []*model.Message
	for _, item := range items {
		if item.Kind != "message" && item.Role == "" {
			continue
		}
		var text string
		if item.Summary != "" {
			text = item.Summary
		} else {
			_ = json.Unmarshal(item.Content, &text)
		}
		if text == "" {
			continue
		}
		role := model.ConversationRoleUser
		if item.Role == string(model.ConversationRoleAssistant) {
			role = model.ConversationRoleAssistant
		}
		out = append(out, &model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}})
	}
	return out
}

// ID returns the conversation's session identifier.
func (c *Conversation) ID() string { return c.id }

// History returns a copy of the conversation's accumulated messages.
func (c *Conversation) History() []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Message(nil), c.history...)
}

// Environment returns the conversation's environment-context timeline.
func (c *Conversation) Environment() *envctx.Timeline { return c.env }

// Close flushes and closes the rollout log.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Close()
}

// workflowTask adapts an engine.WorkflowHandle to turn.Task, so the workflow
// runtime's durable execution can serve as the Scheduler's current task: the
// Scheduler's AbortReplaced/AbortUserCancelled semantics become workflow
// cancellation, and sub_id is the run ID the handle was started with.
type workflowTask struct {
	subID  string
	handle engine.WorkflowHandle
}

func (t *workflowTask) SubID() string { return t.subID }

func (t *workflowTask) Abort(reason turn.AbortReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.handle.Cancel(ctx)
	_ = reason
}

// SubmitUserInput implements the §2 turn-submission data flow: if no turn is
// currently running, the text starts a new turn immediately; if one is
// running, the text is queued (InjectInput when accepted, otherwise it falls
// back to QueueUserInput so it drains at the start of the next turn).
func (c *Conversation) SubmitUserInput(ctx context.Context, text string) (subID string, started bool, err error) {
	item := turn.InputItem{Kind: "text", Text: text}
	if ok, _ := c.scheduler.InjectInput([]turn.InputItem{item}); ok {
		if err := c.appendUserMessage(text); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	subID = c.scheduler.NextInternalSubID()
	if err := c.startTurn(ctx, subID, text); err != nil {
		return "", false, err
	}
	return subID, true, nil
}

func (c *Conversation) appendUserMessage(text string) error {
	c.mu.Lock()
	c.history = append(c.history, &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: text}}})
	c.mu.Unlock()

	content, err := json.Marshal(text)
	if err != nil {
		return err
	}
	return c.log.AppendResponseItem(time.Now(), rollout.ResponseItemPayload{Kind: "message", Role: "user", Content: content})
}

// startTurn begins a new turn: it records the user message to history and
// the rollout log, starts the agent's workflow via the runtime's
// AgentClient, and installs the resulting handle as the Scheduler's current
// task. A goroutine waits for completion and clears the task, replaying any
// queued input by starting the next turn.
func (c *Conversation) startTurn(ctx context.Context, subID, text string) error {
	if err := c.appendUserMessage(text); err != nil {
		return err
	}

	if c.dispatch != nil {
		c.dispatch.BeginHTTPAttempt()
	}

	handle, err := c.client.Start(ctx, c.id, c.History(), agentruntime.WithRunID(subID))
	if err != nil {
		return fmt.Errorf("session: start turn: %w", err)
	}
	c.scheduler.SetTask(&workflowTask{subID: subID, handle: handle})

	go c.awaitTurn(subID, handle)
	return nil
}

func (c *Conversation) awaitTurn(subID string, handle engine.WorkflowHandle) {
	ctx := context.Background()
	var out agentruntime.RunOutput
	if err := handle.Wait(ctx, &out); err != nil {
		c.logger.Warn(ctx, "session: turn ended with error", "sub_id", subID, "err", err)
	}
	c.scheduler.RemoveTask(subID)
	if c.dispatch != nil {
		c.dispatch.CompleteResponse()
	}
	c.notifyCompletion(subID, out.Final.Content)

	if queued, ok := c.scheduler.PopNextQueuedUserInput(); ok {
		if err := c.startTurn(context.Background(), queued.SubID, queued.Text); err != nil {
			c.logger.Warn(ctx, "session: failed to start queued turn", "sub_id", queued.SubID, "err", err)
		}
	}
}

func (c *Conversation) notifyCompletion(subID, finalMessage string) {
	c.mu.Lock()
	ch, ok := c.completions[subID]
	if ok {
		delete(c.completions, subID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- finalMessage
	close(ch)
}

// Submit implements autodrive.Submitter: it starts prompt as a new turn
// (bypassing the input queue autodrive.Controller's own sequencing already
// guarantees no turn is running) and returns its sub_id for AwaitTaskComplete.
func (c *Conversation) Submit(ctx context.Context, prompt string) (string, error) {
	subID := c.scheduler.NextInternalSubID()
	ch := make(chan string, 1)
	c.mu.Lock()
	if c.completions == nil {
		c.completions = make(map[string]chan string)
	}
	c.completions[subID] = ch
	c.mu.Unlock()

	if err := c.startTurn(ctx, subID, prompt); err != nil {
		c.mu.Lock()
		delete(c.completions, subID)
		c.mu.Unlock()
		return "", err
	}
	return subID, nil
}

// AwaitTaskComplete implements autodrive.Submitter: it blocks until the turn
// started by Submit(subID) finishes and returns the assistant's final
// message.
func (c *Conversation) AwaitTaskComplete(ctx context.Context, subID string) (string, error) {
	c.mu.Lock()
	ch, ok := c.completions[subID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("session: no turn waiting for sub_id %q", subID)
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AbortCurrentTurn cancels the running turn, if any, with
// AbortUserCancelled.
func (c *Conversation) AbortCurrentTurn() {
	c.scheduler.SetTask(nil)
}

// errNoApprovalWaiting is returned by RecordApproval when callID names no
// pending request, e.g. because the turn that requested it already ended.
var errNoApprovalWaiting = errors.New("session: no pending approval for call id")

// RequestCommandApproval resolves an exec approval for command. A command
// matching the conversation's approved-command set short-circuits the
// round-trip and returns DecisionApproved immediately; otherwise it
// registers a pending approval with the Scheduler and blocks on ctx or the
// caller's decision.
func (c *Conversation) RequestCommandApproval(ctx context.Context, callID string, command []string) (turn.ReviewDecision, error) {
	c.mu.Lock()
	preApproved := approvedcmd.MatchAny(c.approved, command)
	c.mu.Unlock()
	if preApproved {
		return turn.DecisionApproved, nil
	}

	ch := c.scheduler.RequestApproval(callID)
	select {
	case decision := <-ch:
		if decision == turn.DecisionApprovedForSession {
			c.mu.Lock()
			c.approved = append(c.approved, approvedcmd.ApprovedCommand{Argv: command, Kind: approvedcmd.Exact})
			c.mu.Unlock()
		}
		return decision, nil
	case <-ctx.Done():
		return turn.DecisionAbort, ctx.Err()
	}
}

// RecordApproval delivers decision for callID to whichever goroutine is
// blocked in RequestCommandApproval. Returns errNoApprovalWaiting if callID
// names no pending request.
func (c *Conversation) RecordApproval(callID string, decision turn.ReviewDecision) error {
	if !c.scheduler.NotifyApproval(callID, decision) {
		return errNoApprovalWaiting
	}
	return nil
}

// errNoDelegate is returned by SpawnSubAgent/CancelSubAgent/SetupWorktree
// when the conversation was built without the corresponding manager option.
var errNoDelegate = errors.New("session: no delegate manager attached")

// SpawnSubAgent delegates to the attached subagent.Manager, letting a tool
// call running inside this conversation's turn launch a delegated child
// agent. Returns errNoDelegate if none is attached.
func (c *Conversation) SpawnSubAgent(params subagent.CreateParams) (string, error) {
	if c.agents == nil {
		return "", errNoDelegate
	}
	return c.agents.CreateAgent(context.Background(), params), nil
}

// CancelSubAgent cancels a previously spawned sub-agent by ID.
func (c *Conversation) CancelSubAgent(agentID string) (bool, error) {
	if c.agents == nil {
		return false, errNoDelegate
	}
	return c.agents.CancelAgent(agentID), nil
}

// SetupWorktree delegates to the attached worktree.Manager so a turn can
// acquire a private worktree before dispatching write-capable tool calls.
// Returns errNoDelegate if none is attached (the same manager backs
// both the conversation's own worktree use and sub-agent worktrees).
func (c *Conversation) SetupWorktree(ctx context.Context, gitRoot, branchID, baseRef string) (path, branch string, err error) {
	if c.worktrees == nil {
		return "", "", errNoDelegate
	}
	return c.worktrees.SetupWorktree(ctx, gitRoot, branchID, baseRef)
}

// ApplyEnvironmentSnapshot records a fresh environment-context snapshot into
// the timeline. The first snapshot seeds the baseline and is persisted to
// the rollout log so a future Resume can replay it; later snapshots are only
// tracked for dedup (the Timeline has no exported delta-diff constructor, so
// a live Conversation cannot itself author a Delta record; that remains a
// replay-time concern owned by envctx.Reconstruct).
func (c *Conversation) ApplyEnvironmentSnapshot(snap envctx.Snapshot) error {
	if !c.env.IsEmpty() {
		c.env.RecordSnapshot(snap)
		return nil
	}
	if err := c.env.AddBaselineOnce(snap); err != nil {
		return err
	}
	payload, err := snap.ToStatePayload()
	if err != nil {
		return err
	}
	return c.log.AppendState(time.Now(), payload)
}
