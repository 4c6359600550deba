// Package subagent implements the process-wide Sub-Agent Manager: it spawns,
// tracks, and reaps child agent processes launched by the coding agent as
// delegated workers (a model invoked with a task, optionally given its own
// git worktree).
package subagent

import "time"

// Status is the lifecycle state of a Agent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SourceKind distinguishes how an agent was created, since a handful of
// behaviors (log tagging, preferring a JSON result file) only apply to
// agents spawned by the auto-review loop.
type SourceKind string

const (
	SourceKindUser       SourceKind = ""
	SourceKindAutoReview SourceKind = "auto_review"
)

// Config overrides the default command, arguments, and environment used to
// launch an agent. A zero Config means "use the model's built-in defaults".
type Config struct {
	Name         string
	Command      string
	Args         []string
	ArgsReadOnly []string
	ArgsWrite    []string
	Env          map[string]string
	Instructions string
}

// Agent is a read-only snapshot of one sub-agent's state, safe to hand to
// callers outside the Manager's lock.
type Agent struct {
	ID              string
	BatchID         string
	Model           string
	Name            string
	Prompt          string
	Context         string
	OutputGoal      string
	Files           []string
	ReadOnly        bool
	Status          Status
	Result          string
	Error           string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	LastActivity    time.Time
	Progress        []string
	WorktreePath    string
	BranchName      string
	WorktreeBase    string
	SourceKind      SourceKind
	ReasoningEffort string
}

func (a Agent) clone() Agent {
	out := a
	out.Files = append([]string(nil), a.Files...)
	out.Progress = append([]string(nil), a.Progress...)
	return out
}

// StatusUpdate is broadcast to the Manager's event sender whenever any
// agent's status, progress, or result changes.
type StatusUpdate struct {
	Agents []Agent
}

// CreateParams are the arguments to Manager.CreateAgent.
type CreateParams struct {
	Model           string
	Name            string
	Prompt          string
	Context         string
	OutputGoal      string
	Files           []string
	ReadOnly        bool
	BatchID         string
	Config          *Config
	WorktreeBranch  string
	WorktreeBase    string
	SourceKind      SourceKind
	ReasoningEffort string
}
