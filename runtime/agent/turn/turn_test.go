package turn

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	subID      string
	aborted    atomic.Int32
	lastReason atomic.Value
}

func newFakeTask(subID string) *fakeTask { return &fakeTask{subID: subID} }

func (f *fakeTask) SubID() string { return f.subID }
func (f *fakeTask) Abort(reason AbortReason) {
	f.aborted.Add(1)
	f.lastReason.Store(reason)
}

func TestSetTaskAbortsPreviousWithReplaced(t *testing.T) {
	s := NewScheduler()
	first := newFakeTask("sub-1")
	second := newFakeTask("sub-2")

	s.SetTask(first)
	require.True(t, s.HasRunningTask())

	s.SetTask(second)
	require.Equal(t, int32(1), first.aborted.Load())
	require.Equal(t, AbortReplaced, first.lastReason.Load())
	require.Equal(t, int32(0), second.aborted.Load())
}

func TestRemoveTaskOnlyClearsMatchingSubID(t *testing.T) {
	s := NewScheduler()
	task := newFakeTask("sub-1")
	s.SetTask(task)

	s.RemoveTask("sub-other")
	require.True(t, s.HasRunningTask())

	s.RemoveTask("sub-1")
	require.False(t, s.HasRunningTask())
}

func TestQueueAndPopUserInputIsFIFO(t *testing.T) {
	s := NewScheduler()
	s.QueueUserInput(QueuedUserInput{SubID: "a", Text: "first"})
	s.QueueUserInput(QueuedUserInput{SubID: "b", Text: "second"})

	first, ok := s.PopNextQueuedUserInput()
	require.True(t, ok)
	require.Equal(t, "first", first.Text)

	second, ok := s.PopNextQueuedUserInput()
	require.True(t, ok)
	require.Equal(t, "second", second.Text)

	_, ok = s.PopNextQueuedUserInput()
	require.False(t, ok)
}

func TestInjectInputRequiresRunningTask(t *testing.T) {
	s := NewScheduler()
	ok, returned := s.InjectInput([]InputItem{{Kind: "text", Text: "hi"}})
	require.False(t, ok)
	require.Len(t, returned, 1)

	s.SetTask(newFakeTask("sub-1"))
	ok, returned = s.InjectInput([]InputItem{{Kind: "text", Text: "hi"}})
	require.True(t, ok)
	require.Nil(t, returned)

	pending := s.TakePendingInput()
	require.Len(t, pending, 1)
	require.Empty(t, s.TakePendingInput())
}

func TestEnqueueOutOfTurnItemSignalsIdle(t *testing.T) {
	s := NewScheduler()
	shouldStart := s.EnqueueOutOfTurnItem(InputItem{Kind: "text", Text: "bg"})
	require.True(t, shouldStart)

	s.SetTask(newFakeTask("sub-1"))
	shouldStart = s.EnqueueOutOfTurnItem(InputItem{Kind: "text", Text: "bg2"})
	require.False(t, shouldStart)

	require.Len(t, s.TakePendingInput(), 2)
}

func TestEnqueueManualCompactReportsWasEmpty(t *testing.T) {
	s := NewScheduler()
	wasEmpty := s.EnqueueManualCompact("sub-1")
	require.True(t, wasEmpty)

	wasEmpty = s.EnqueueManualCompact("sub-2")
	require.False(t, wasEmpty)

	id, ok := s.DequeueManualCompact()
	require.True(t, ok)
	require.Equal(t, "sub-1", id)

	id, ok = s.DequeueManualCompact()
	require.True(t, ok)
	require.Equal(t, "sub-2", id)

	_, ok = s.DequeueManualCompact()
	require.False(t, ok)
}

func TestNextInternalSubIDIsMonotonic(t *testing.T) {
	s := NewScheduler()
	require.Equal(t, "auto-compact-0", s.NextInternalSubID())
	require.Equal(t, "auto-compact-1", s.NextInternalSubID())
}

func TestApprovalDemuxByCallID(t *testing.T) {
	s := NewScheduler()
	ch1 := s.RequestApproval("call-1")
	ch2 := s.RequestApproval("call-2")

	require.True(t, s.NotifyApproval("call-2", DecisionDenied))
	select {
	case d := <-ch2:
		require.Equal(t, DecisionDenied, d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call-2 decision")
	}

	require.True(t, s.NotifyApproval("call-1", DecisionApproved))
	select {
	case d := <-ch1:
		require.Equal(t, DecisionApproved, d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call-1 decision")
	}

	require.False(t, s.NotifyApproval("call-unknown", DecisionApproved))
}
