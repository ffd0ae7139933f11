package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocspd/internal/ocsperrors"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.AddQueue("q", 16))
	return s
}

func TestAddQueue_Duplicate(t *testing.T) {
	s := newTestScheduler(t)
	err := s.AddQueue("q", 16)
	assert.ErrorIs(t, err, ocsperrors.ErrDuplicateQueue)
}

func TestGetTask_UnknownQueue(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.GetTask(context.Background(), "missing", time.Millisecond)
	assert.ErrorIs(t, err, ocsperrors.ErrUnknownQueue)
}

func TestAddTask_ImmediateEnqueue(t *testing.T) {
	s := newTestScheduler(t)
	ctx := &Context{QueueName: "q", Identity: "a"}
	require.NoError(t, s.AddTask(ctx, time.Time{}))

	task, err := s.GetTask(context.Background(), "q", time.Second)
	require.NoError(t, err)
	assert.Same(t, ctx, task)
}

func TestAddTask_DedupCancelsPriorEntry(t *testing.T) {
	s := newTestScheduler(t)
	first := &Context{QueueName: "q", Identity: "dup"}
	second := &Context{QueueName: "q", Identity: "dup"}

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.AddTask(first, future))
	require.NoError(t, s.AddTask(second, future))

	assert.Equal(t, 1, s.Pending(), "the duplicate identity should collapse to one pending entry")
}

func TestCancelTask(t *testing.T) {
	s := newTestScheduler(t)
	ctx := &Context{QueueName: "q", Identity: "a"}
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.AddTask(ctx, future))

	assert.True(t, s.CancelTask("a"))
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.CancelTask("a"), "cancelling an already-cancelled identity returns false")
}

func TestTick_PromotesDueEntriesInTimeOrder(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now().UTC()

	late := &Context{QueueName: "q", Identity: "late", Label: "late"}
	early := &Context{QueueName: "q", Identity: "early", Label: "early"}

	require.NoError(t, s.AddTask(late, now.Add(-time.Second)))
	require.NoError(t, s.AddTask(early, now.Add(-2*time.Second)))

	s.Tick()

	first, err := s.GetTask(context.Background(), "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", first.Identity)

	second, err := s.GetTask(context.Background(), "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", second.Identity)
}

func TestTick_PreservesFIFOWithinSameSlot(t *testing.T) {
	s := newTestScheduler(t)
	when := time.Now().UTC().Add(-time.Second)

	first := &Context{QueueName: "q", Identity: "first"}
	second := &Context{QueueName: "q", Identity: "second"}
	third := &Context{QueueName: "q", Identity: "third"}

	require.NoError(t, s.AddTask(first, when))
	require.NoError(t, s.AddTask(second, when))
	require.NoError(t, s.AddTask(third, when))

	s.Tick()

	for _, want := range []string{"first", "second", "third"} {
		got, err := s.GetTask(context.Background(), "q", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.Identity)
	}
}

func TestReschedule_RequiresAttachment(t *testing.T) {
	ctx := &Context{QueueName: "q", Identity: "a"}
	err := ctx.Reschedule(time.Now())
	assert.ErrorIs(t, err, ocsperrors.ErrNotAttached)
}

func TestReschedule_ReAddsToScheduler(t *testing.T) {
	s := newTestScheduler(t)
	ctx := &Context{QueueName: "q", Identity: "a"}
	require.NoError(t, s.AddTask(ctx, time.Time{}))

	task, err := s.GetTask(context.Background(), "q", time.Second)
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, task.Reschedule(future))
	assert.Equal(t, 1, s.Pending())
}

func TestJoin_BlocksUntilTaskDone(t *testing.T) {
	s := newTestScheduler(t)
	ctx := &Context{QueueName: "q", Identity: "a"}
	require.NoError(t, s.AddTask(ctx, time.Time{}))

	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background(), "q") }()

	select {
	case <-done:
		t.Fatal("Join returned before TaskDone was called")
	case <-time.After(20 * time.Millisecond):
	}

	task, err := s.GetTask(context.Background(), "q", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.TaskDone("q"))
	_ = task

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Join did not return after TaskDone")
	}
}

func TestQueueDepth(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.AddTask(&Context{QueueName: "q", Identity: "a"}, time.Time{}))
	require.NoError(t, s.AddTask(&Context{QueueName: "q", Identity: "b"}, time.Time{}))

	depth, err := s.QueueDepth("q")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestAddTaskIn_NonPositiveDurationEnqueuesImmediately(t *testing.T) {
	s := newTestScheduler(t)
	ctx := &Context{QueueName: "q", Identity: "a"}
	require.NoError(t, s.AddTaskIn(ctx, 0))

	depth, err := s.QueueDepth("q")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	assert.Equal(t, 0, s.Pending())
}
