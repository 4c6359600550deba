package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/runtime/agent/telemetry"
	"github.com/agentforge/core/runtime/agent/worktree"
)

const (
	// defaultInactivityTimeout aborts any Pending/Running agent whose
	// last activity predates it by this much.
	defaultInactivityTimeout = 30 * time.Minute
	watchdogInterval         = 60 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the Manager's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithInactivityTimeout overrides the watchdog's inactivity timeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(m *Manager) { m.inactivityTimeout = d }
}

// WithEventSender registers a channel that receives a StatusUpdate every
// time any agent's status, progress, or result changes.
func WithEventSender(ch chan<- StatusUpdate) Option {
	return func(m *Manager) { m.eventSender = ch }
}

// Manager owns every sub-agent spawned by this process: their state, their
// abortable executor goroutines, and the watchdog that reaps agents that
// stopped reporting activity.
type Manager struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	cancels map[string]context.CancelFunc

	logger            telemetry.Logger
	eventSender       chan<- StatusUpdate
	inactivityTimeout time.Duration

	worktrees *worktree.Manager
	executor  executorFunc

	watchdogOnce sync.Once
	watchdogStop chan struct{}
}

// executorFunc runs one agent to completion. It is a field (rather than a
// hardcoded call) so tests can substitute a fake without spawning real
// subprocesses.
type executorFunc func(ctx context.Context, m *Manager, agentID string, cfg *Config)

// New constructs a Manager. worktrees is used by non-read-only agents to
// acquire a private git worktree; it may be nil if the caller only ever
// creates read_only agents.
func New(worktrees *worktree.Manager, opts ...Option) *Manager {
	m := &Manager{
		agents:            make(map[string]*Agent),
		cancels:           make(map[string]context.CancelFunc),
		logger:            telemetry.NoopLogger{},
		inactivityTimeout: defaultInactivityTimeout,
		worktrees:         worktrees,
		watchdogStop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.executor = executeAgent
	return m
}

// StartWatchdog launches the background sweep that aborts agents whose
// last_activity has gone stale. Safe to call more than once; only the first
// call has effect.
func (m *Manager) StartWatchdog(ctx context.Context) {
	m.watchdogOnce.Do(func() {
		go m.watchdogLoop(ctx)
	})
}

// Stop halts the watchdog loop. Agents already running are not aborted.
func (m *Manager) Stop() {
	close(m.watchdogStop)
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.watchdogStop:
			return
		case <-ticker.C:
			m.sweepInactive()
		}
	}
}

func (m *Manager) sweepInactive() {
	m.mu.Lock()
	now := time.Now()
	var timedOut []string
	for id, agent := range m.agents {
		if agent.Status != StatusPending && agent.Status != StatusRunning {
			continue
		}
		if now.Sub(agent.LastActivity) > m.inactivityTimeout {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		if cancel, ok := m.cancels[id]; ok {
			cancel()
			delete(m.cancels, id)
		}
		agent := m.agents[id]
		agent.Status = StatusFailed
		agent.Error = fmt.Sprintf("Agent timed out after %d minutes of inactivity.", int(m.inactivityTimeout.Minutes()))
		agent.CompletedAt = now
		agent.LastActivity = now
	}
	changed := len(timedOut) > 0
	m.mu.Unlock()

	if changed {
		m.emitStatusUpdate()
	}
}

// CreateAgent allocates a Pending agent, emits an initial status update, and
// spawns its executor goroutine. Returns the new agent's id immediately;
// the executor runs asynchronously.
func (m *Manager) CreateAgent(ctx context.Context, params CreateParams) string {
	id := uuid.NewString()
	now := time.Now()

	agent := &Agent{
		ID:              id,
		BatchID:         params.BatchID,
		Model:           params.Model,
		Name:            params.Name,
		Prompt:          params.Prompt,
		Context:         params.Context,
		OutputGoal:      params.OutputGoal,
		Files:           append([]string(nil), params.Files...),
		ReadOnly:        params.ReadOnly,
		Status:          StatusPending,
		CreatedAt:       now,
		LastActivity:    now,
		BranchName:      params.WorktreeBranch,
		WorktreeBase:    params.WorktreeBase,
		SourceKind:      params.SourceKind,
		ReasoningEffort: params.ReasoningEffort,
	}

	execCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.agents[id] = agent
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.emitStatusUpdate()

	go func() {
		m.executor(execCtx, m, id, params.Config)
	}()

	return id
}

// CancelAgent aborts agent id's executor goroutine (if still running) and
// marks it Cancelled. Returns false if no such agent exists or it already
// had no running executor (e.g. it already finished).
func (m *Manager) CancelAgent(agentID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[agentID]
	if ok {
		delete(m.cancels, agentID)
	}
	agent := m.agents[agentID]
	if ok && agent != nil {
		agent.Status = StatusCancelled
		agent.CompletedAt = time.Now()
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	m.emitStatusUpdate()
	return true
}

// CancelBatch cancels every agent sharing batchID and returns how many were
// actually cancelled.
func (m *Manager) CancelBatch(batchID string) int {
	m.mu.Lock()
	var ids []string
	for id, agent := range m.agents {
		if agent.BatchID == batchID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		if m.CancelAgent(id) {
			count++
		}
	}
	return count
}

// GetAgent returns a snapshot of the agent, or false if unknown.
func (m *Manager) GetAgent(agentID string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return agent.clone(), true
}

// ListFilter narrows ListAgents' result set.
type ListFilter struct {
	Status     Status
	HasStatus  bool
	BatchID    string
	HasBatchID bool
	RecentOnly bool
}

// ListAgents returns a read-only snapshot of every agent matching filter.
func (m *Manager) ListAgents(filter ListFilter) []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cutoff time.Time
	if filter.RecentOnly {
		cutoff = time.Now().Add(-2 * time.Hour)
	}

	var out []Agent
	for _, agent := range m.agents {
		if filter.HasStatus && agent.Status != filter.Status {
			continue
		}
		if filter.HasBatchID && agent.BatchID != filter.BatchID {
			continue
		}
		if filter.RecentOnly && agent.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, agent.clone())
	}
	return out
}

// HasActiveAgents reports whether any agent is Pending or Running.
func (m *Manager) HasActiveAgents() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range m.agents {
		if agent.Status == StatusPending || agent.Status == StatusRunning {
			return true
		}
	}
	return false
}

func (m *Manager) updateStatus(agentID string, status Status) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if ok {
		agent.Status = status
		if status == StatusRunning && agent.StartedAt.IsZero() {
			agent.StartedAt = time.Now()
		}
		if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
			agent.CompletedAt = time.Now()
		}
		agent.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if ok {
		m.emitStatusUpdate()
	}
}

func (m *Manager) updateResult(agentID string, result string, resultErr string) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if ok {
		if resultErr != "" {
			agent.Error = resultErr
			agent.Status = StatusFailed
		} else {
			agent.Result = result
			agent.Status = StatusCompleted
		}
		agent.CompletedAt = time.Now()
		agent.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if ok {
		m.emitStatusUpdate()
	}
}

func (m *Manager) addProgress(agentID, message string) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if ok {
		agent.Progress = append(agent.Progress, message)
		agent.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if ok {
		m.logger.Debug(context.Background(), "subagent progress", "agent_id", agentID, "message", message)
	}
}

func (m *Manager) setWorktreeInfo(agentID, path, branch string) {
	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.WorktreePath = path
		agent.BranchName = branch
	}
	m.mu.Unlock()
}

func (m *Manager) emitStatusUpdate() {
	if m.eventSender == nil {
		return
	}
	m.mu.Lock()
	snapshot := make([]Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		snapshot = append(snapshot, agent.clone())
	}
	m.mu.Unlock()

	select {
	case m.eventSender <- StatusUpdate{Agents: snapshot}:
	default:
	}
}
