// Package scheduler implements a time-ordered scheduler: a store of pending
// refreshes that promotes expired entries into named task queues, with O(1)
// cancel and identity-based dedup.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ocspd/internal/ocsperrors"
)

// Context is an opaque scheduled-task context: a fixed header
// (queue name, scheduled time, identity) plus a typed payload (see
// ParsePayload/RenewPayload in package pipeline). Its identity is used as
// the dedup/cancel key and must be stable for the record's lifetime.
type Context struct {
	QueueName string
	Identity  string
	Label     string
	SchedTime time.Time // zero value means "run immediately"
	Payload   any

	mu        sync.Mutex
	scheduler *Scheduler // non-owning; set by AddTask, used only by Reschedule
}

// Reschedule re-adds the context to its owning scheduler at when. Calling
// this on a context that was never added to a scheduler fails with
// ocsperrors.ErrNotAttached: the context does not own the scheduler, it only
// borrows a reference to call back into it.
func (c *Context) Reschedule(when time.Time) error {
	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()
	if s == nil {
		return ocsperrors.ErrNotAttached
	}
	return s.AddTask(c, when)
}

func (c *Context) String() string {
	if c.Label != "" {
		return fmt.Sprintf("<ScheduledTask %s: %s>", c.QueueName, c.Label)
	}
	return fmt.Sprintf("<ScheduledTask %s: %s>", c.QueueName, c.Identity)
}

// namedQueue is a bounded, thread-safe FIFO with join/task_done semantics,
// used by Scheduler.Join (and through it the pipeline's Quiesce) to detect
// when both pipeline stages have drained.
type namedQueue struct {
	ch chan *Context

	mu         sync.Mutex
	cond       *sync.Cond
	unfinished int
}

func newNamedQueue(capacity int) *namedQueue {
	q := &namedQueue{ch: make(chan *Context, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *namedQueue) put(ctx *Context) {
	q.mu.Lock()
	q.unfinished++
	q.mu.Unlock()
	q.ch <- ctx
}

func (q *namedQueue) taskDone() {
	q.mu.Lock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	if q.unfinished == 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *namedQueue) join(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.unfinished > 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *namedQueue) depth() int { return len(q.ch) }

// Scheduler is the time-ordered store of pending refreshes plus the named
// task queues fed by promotion. The forward/reverse maps are protected by a
// single mutex; individual queues are independently safe FIFOs.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	forward map[time.Time][]*Context // time-indexed, many-to-one time slots
	reverse map[string]time.Time     // identity -> when, for O(1) cancel/dedup

	queuesMu sync.RWMutex
	queues   map[string]*namedQueue
}

// New creates an empty Scheduler. Queues must be registered with AddQueue
// before any task referencing them is scheduled.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log:     log,
		forward: make(map[time.Time][]*Context),
		reverse: make(map[string]time.Time),
		queues:  make(map[string]*namedQueue),
	}
}

// AddQueue registers a named bounded task queue. capacity <= 0 means
// unbounded.
func (s *Scheduler) AddQueue(name string, capacity int) error {
	s.queuesMu.Lock()
	defer s.queuesMu.Unlock()
	if _, exists := s.queues[name]; exists {
		return fmt.Errorf("%w: %q", ocsperrors.ErrDuplicateQueue, name)
	}
	if capacity <= 0 {
		capacity = 1 << 20 // effectively unbounded without an unbuffered channel
	}
	s.queues[name] = newNamedQueue(capacity)
	return nil
}

func (s *Scheduler) queue(name string) (*namedQueue, error) {
	s.queuesMu.RLock()
	q, ok := s.queues[name]
	s.queuesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ocsperrors.ErrUnknownQueue, name)
	}
	return q, nil
}

// AddTask schedules ctx. A zero when enqueues immediately into
// ctx.QueueName; otherwise ctx is recorded to be promoted once when has
// passed. If ctx's identity is already scheduled, the prior entry is
// cancelled first and a warning logged.
func (s *Scheduler) AddTask(ctx *Context, when time.Time) error {
	ctx.mu.Lock()
	ctx.scheduler = s
	ctx.mu.Unlock()

	if when.IsZero() {
		return s.enqueue(ctx)
	}
	ctx.SchedTime = when

	s.mu.Lock()
	if prevWhen, dup := s.reverse[ctx.Identity]; dup {
		s.log.Warn("task already scheduled, cancelling prior entry",
			zap.String("task", ctx.String()), zap.Time("previous", prevWhen))
		s.removeLocked(ctx.Identity, prevWhen)
	}
	s.reverse[ctx.Identity] = when
	s.forward[when] = append(s.forward[when], ctx)
	s.mu.Unlock()

	s.log.Info("scheduled task", zap.String("task", ctx.String()), zap.Time("when", when))
	return nil
}

// AddTaskIn is a convenience wrapper converting a relative duration to an
// absolute UTC time by adding it to now. A zero or negative duration
// enqueues immediately.
func (s *Scheduler) AddTaskIn(ctx *Context, d time.Duration) error {
	if d <= 0 {
		return s.AddTask(ctx, time.Time{})
	}
	return s.AddTask(ctx, time.Now().UTC().Add(d))
}

func (s *Scheduler) enqueue(ctx *Context) error {
	q, err := s.queue(ctx.QueueName)
	if err != nil {
		return err
	}
	q.put(ctx)
	return nil
}

// removeLocked deletes ctx's identity from both maps. Callers must hold s.mu.
func (s *Scheduler) removeLocked(identity string, when time.Time) {
	delete(s.reverse, identity)
	slot := s.forward[when]
	for i, c := range slot {
		if c.Identity == identity {
			slot = append(slot[:i], slot[i+1:]...)
			break
		}
	}
	if len(slot) == 0 {
		delete(s.forward, when)
	} else {
		s.forward[when] = slot
	}
}

// CancelTask removes the scheduled entry for identity. It returns false
// (logging a warning) if identity was not scheduled.
func (s *Scheduler) CancelTask(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	when, ok := s.reverse[identity]
	if !ok {
		s.log.Warn("can't unschedule, task wasn't scheduled", zap.String("identity", identity))
		return false
	}
	s.removeLocked(identity, when)
	return true
}

// GetTask blocks (up to timeout, or forever if timeout <= 0) waiting for a
// task on the named queue. It returns ocsperrors.ErrQueueEmpty on timeout
// and ocsperrors.ErrUnknownQueue for a bad name.
func (s *Scheduler) GetTask(ctx context.Context, queueName string, timeout time.Duration) (*Context, error) {
	q, err := s.queue(queueName)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case task := <-q.ch:
		return task, nil
	case <-ctx.Done():
		if timeout > 0 {
			return nil, ocsperrors.ErrQueueEmpty
		}
		return nil, ctx.Err()
	}
}

// TaskDone marks one unit of work as complete on queueName, for Quiesce's
// drain detection.
func (s *Scheduler) TaskDone(queueName string) error {
	q, err := s.queue(queueName)
	if err != nil {
		return err
	}
	q.taskDone()
	return nil
}

// QueueDepth returns the number of tasks currently buffered (not yet
// dequeued) on queueName, for the admin status surface.
func (s *Scheduler) QueueDepth(queueName string) (int, error) {
	q, err := s.queue(queueName)
	if err != nil {
		return 0, err
	}
	return q.depth(), nil
}

// Pending returns the number of tasks currently scheduled for the future
// (not yet promoted), for the admin status surface.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reverse)
}

// Join blocks until queueName's unfinished-task counter reaches zero, or ctx
// is cancelled.
func (s *Scheduler) Join(ctx context.Context, queueName string) error {
	q, err := s.queue(queueName)
	if err != nil {
		return err
	}
	return q.join(ctx)
}

// Tick promotes every scheduled entry whose time has passed into its target
// queue, preserving insertion order within a time slot and promoting
// earlier slots first.
func (s *Scheduler) Tick() {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]time.Time, 0, len(s.forward))
	for when := range s.forward {
		if !when.After(now) {
			due = append(due, when)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })

	type promotion struct {
		ctx  *Context
		when time.Time
	}
	var toPromote []promotion
	for _, when := range due {
		items := s.forward[when]
		delete(s.forward, when)
		for _, c := range items {
			delete(s.reverse, c.Identity)
			toPromote = append(toPromote, promotion{ctx: c, when: when})
		}
	}
	s.mu.Unlock()

	for _, p := range toPromote {
		if err := s.enqueue(p.ctx); err != nil {
			s.log.Error("failed to enqueue promoted task", zap.String("task", p.ctx.String()), zap.Error(err))
			continue
		}
		s.logLateness(p.ctx, p.when, now)
	}
}

// logLateness logs how late a promotion was: lateness under a second is
// suppressed, 1-59s logged in seconds, and a minute or more logged as
// hh:mm:ss.
func (s *Scheduler) logLateness(ctx *Context, scheduledFor, promotedAt time.Time) {
	late := promotedAt.Sub(scheduledFor)
	switch {
	case late < time.Second:
		s.log.Debug("queued task", zap.String("task", ctx.String()), zap.String("queue", ctx.QueueName))
	case late < time.Minute:
		s.log.Debug("queued task",
			zap.String("task", ctx.String()),
			zap.String("queue", ctx.QueueName),
			zap.String("late", fmt.Sprintf("%d seconds", int(late.Seconds()))))
	default:
		h := int(late.Hours())
		m := int(late.Minutes()) % 60
		sec := int(late.Seconds()) % 60
		s.log.Debug("queued task",
			zap.String("task", ctx.String()),
			zap.String("queue", ctx.QueueName),
			zap.String("late", fmt.Sprintf("%02d:%02d:%02d", h, m, sec)))
	}
}

// RunAll is a test hook that promotes every scheduled entry regardless of
// its scheduled time.
func (s *Scheduler) RunAll() {
	s.mu.Lock()
	now := time.Now().UTC()
	for when, items := range s.forward {
		for _, c := range items {
			delete(s.reverse, c.Identity)
		}
		delete(s.forward, when)
		for _, c := range items {
			if err := s.enqueue(c); err != nil {
				s.log.Error("failed to enqueue task", zap.String("task", c.String()), zap.Error(err))
			}
		}
	}
	_ = now
	s.mu.Unlock()
}

// Run ticks once per second until ctx is cancelled. It is the only
// long-running method on Scheduler and is meant to be launched in its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		s.Tick()
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}
