// Package turn implements the single-active-turn scheduler that lives
// inside a Session: it owns the current running task, the queues that feed
// the next turn, and the one-shot approval channels that bridge a running
// tool call to the human (or policy) decision that unblocks it.
package turn

import (
	"fmt"
	"sync"
)

// AbortReason explains why a running Task was stopped.
type AbortReason string

const (
	// AbortReplaced fires when SetTask installs a new task while one was
	// already running.
	AbortReplaced AbortReason = "replaced"
	// AbortInterrupted fires when the turn loop observes a fatal error and
	// asks for shutdown.
	AbortInterrupted AbortReason = "interrupted"
	// AbortUserCancelled fires on an explicit user-initiated cancel.
	AbortUserCancelled AbortReason = "user_cancelled"
)

// Task is the minimal shape the Scheduler needs from a running turn: an
// identity to match against RemoveTask, and a way to tear it down.
type Task interface {
	SubID() string
	Abort(reason AbortReason)
}

// ReviewDecision is the outcome of an approval request.
type ReviewDecision string

const (
	DecisionApproved           ReviewDecision = "approved"
	DecisionApprovedForSession ReviewDecision = "approved_for_session"
	DecisionDenied             ReviewDecision = "denied"
	DecisionAbort              ReviewDecision = "abort"
)

// QueuedUserInput is one user turn waiting to be drained into the next
// turn's prompt.
type QueuedUserInput struct {
	SubID string
	Text  string
}

// InputItem is one piece of out-of-band input (text, image reference, etc)
// handed to InjectInput/EnqueueOutOfTurnItem. Scheduler treats it opaquely;
// Kind/Text cover the common text case used by the user-message size check.
type InputItem struct {
	Kind string
	Text string
}

// Scheduler owns the single active Task plus every queue that feeds the
// next turn. All methods are safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	currentTask Task

	pendingUserInput      []QueuedUserInput
	pendingInput          []InputItem
	pendingManualCompacts []string
	pendingApprovals      map[string]chan ReviewDecision

	nextInternalSubID uint64
}

// NewScheduler constructs an idle Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pendingApprovals: make(map[string]chan ReviewDecision)}
}

// SetTask aborts any currently running task with AbortReplaced, then
// installs task as the new current task. Enforces the single-active-turn
// invariant: there is never more than one running task.
func (s *Scheduler) SetTask(task Task) {
	s.mu.Lock()
	prev := s.currentTask
	s.currentTask = task
	s.mu.Unlock()

	if prev != nil {
		prev.Abort(AbortReplaced)
	}
}

// RemoveTask clears the current task iff its SubID matches subID; otherwise
// it is a no-op (the caller is reporting completion of a task that has
// already been replaced).
func (s *Scheduler) RemoveTask(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentTask != nil && s.currentTask.SubID() == subID {
		s.currentTask = nil
	}
}

// HasRunningTask reports whether a task is currently installed.
func (s *Scheduler) HasRunningTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTask != nil
}

// QueueUserInput appends queued to pending_user_input, to be drained at the
// start of the next turn (or preserved across review sub-turns by the
// caller when drain_user_inputs=false).
func (s *Scheduler) QueueUserInput(queued QueuedUserInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUserInput = append(s.pendingUserInput, queued)
}

// PopNextQueuedUserInput removes and returns the oldest queued user input,
// or false if the queue is empty.
func (s *Scheduler) PopNextQueuedUserInput() (QueuedUserInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingUserInput) == 0 {
		return QueuedUserInput{}, false
	}
	next := s.pendingUserInput[0]
	s.pendingUserInput = s.pendingUserInput[1:]
	return next, true
}

// InjectInput appends items to pending_input iff a task is currently
// running; otherwise it returns the items back to the caller (ok=false) so
// a new turn can be started with them instead.
func (s *Scheduler) InjectInput(items []InputItem) (ok bool, returned []InputItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentTask == nil {
		return false, items
	}
	s.pendingInput = append(s.pendingInput, items...)
	return true, nil
}

// TakePendingInput drains and returns every item queued via InjectInput or
// EnqueueOutOfTurnItem.
func (s *Scheduler) TakePendingInput() []InputItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.pendingInput
	s.pendingInput = nil
	return items
}

// EnqueueOutOfTurnItem appends item to pending_input and reports whether no
// task is currently running (true means the caller should start a turn).
func (s *Scheduler) EnqueueOutOfTurnItem(item InputItem) (shouldStartTurn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shouldStartTurn = s.currentTask == nil
	s.pendingInput = append(s.pendingInput, item)
	return shouldStartTurn
}

// EnqueueManualCompact pushes subID onto the FIFO of pending compaction
// requests and reports whether the queue was previously empty.
func (s *Scheduler) EnqueueManualCompact(subID string) (wasEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasEmpty = len(s.pendingManualCompacts) == 0
	s.pendingManualCompacts = append(s.pendingManualCompacts, subID)
	return wasEmpty
}

// DequeueManualCompact pops the oldest pending manual-compact request.
func (s *Scheduler) DequeueManualCompact() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingManualCompacts) == 0 {
		return "", false
	}
	next := s.pendingManualCompacts[0]
	s.pendingManualCompacts = s.pendingManualCompacts[1:]
	return next, true
}

// NextInternalSubID allocates a monotonically increasing internal sub_id,
// used for synthetic turns (e.g. auto-compaction) the scheduler starts on
// its own behalf.
func (s *Scheduler) NextInternalSubID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextInternalSubID
	s.nextInternalSubID++
	return fmt.Sprintf("auto-compact-%d", id)
}

// RequestApproval creates a one-shot channel for callID, stores it under
// pending_approvals, and returns the receiving end. The caller is
// responsible for emitting the corresponding ExecApprovalRequest /
// ApplyPatchApprovalRequest event before anyone can decide it.
func (s *Scheduler) RequestApproval(callID string) <-chan ReviewDecision {
	ch := make(chan ReviewDecision, 1)
	s.mu.Lock()
	s.pendingApprovals[callID] = ch
	s.mu.Unlock()
	return ch
}

// NotifyApproval resolves the pending approval for callID, identified by
// call_id rather than sub_id so that two parallel approvals within the same
// turn cannot collide. Returns false (and logs nothing itself; callers
// should warn) if no waiter is registered for callID.
func (s *Scheduler) NotifyApproval(callID string, decision ReviewDecision) bool {
	s.mu.Lock()
	ch, ok := s.pendingApprovals[callID]
	if ok {
		delete(s.pendingApprovals, callID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	close(ch)
	return true
}
