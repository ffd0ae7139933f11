// Package pipeline implements the orchestrator tying the watcher, scheduler,
// and acquirer together: two worker pools draining named scheduler queues,
// fed by a directory watcher, handing records off between parse and renew
// stages exactly once per transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ocspd/acquirer"
	"ocspd/internal/metrics"
	"ocspd/internal/ocsperrors"
	"ocspd/record"
	"ocspd/scheduler"
)

const (
	// QueueParse and QueueRenew are the two named queues the orchestrator
	// drains.
	QueueParse = "parse"
	QueueRenew = "renew"
)

// ParsePayload is the typed payload for tasks on the parse queue: a
// discriminated payload per queue, not an ad-hoc attribute bag.
type ParsePayload struct {
	Record *record.Record
}

// RenewPayload is the typed payload for tasks on the renew queue.
type RenewPayload struct {
	Record *record.Record
}

// EventKind enumerates the watcher's event vocabulary.
type EventKind int

const (
	Added EventKind = iota
	Modified
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one filesystem observation from the watcher.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher is the external collaborator interface consumed by the
// orchestrator: subscribe(root_paths, extensions) -> stream of events.
type Watcher interface {
	Subscribe(ctx context.Context, roots []string, extensions []string) (<-chan Event, error)
}

// Options configures an Orchestrator.
type Options struct {
	ParserWorkers     int
	RenewerWorkers    int
	MaxThreadRestarts int // default 3

	// RefreshMargin computes when to schedule the next renewal given the
	// staple's expiry; defaults to the half-remaining-lifetime policy.
	RefreshMargin func(now, validUntil time.Time) time.Time

	// MaxAcquireFailures bounds the renewer's retry-with-backoff policy:
	// beyond this many consecutive OcspRenewErrors the record is dropped
	// until re-parsed.
	MaxAcquireFailures int
	// FailureBackoffBase is the base delay for the renewer's bounded
	// exponential back-off after an OcspRenewError.
	FailureBackoffBase time.Duration
	// FailureBackoffCap bounds the back-off delay.
	FailureBackoffCap time.Duration

	Roots      []string
	Extensions []string

	Logger  *zap.Logger
	Metrics *metrics.Metrics // optional; nil disables gauge reporting
}

func (o *Options) setDefaults() {
	if o.ParserWorkers <= 0 {
		o.ParserWorkers = 2
	}
	if o.RenewerWorkers <= 0 {
		o.RenewerWorkers = 4
	}
	if o.MaxThreadRestarts <= 0 {
		o.MaxThreadRestarts = 3
	}
	if o.RefreshMargin == nil {
		o.RefreshMargin = halfLifeRefresh
	}
	if o.MaxAcquireFailures <= 0 {
		o.MaxAcquireFailures = 5
	}
	if o.FailureBackoffBase <= 0 {
		o.FailureBackoffBase = 30 * time.Second
	}
	if o.FailureBackoffCap <= 0 {
		o.FailureBackoffCap = 30 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// halfLifeRefresh schedules a renewal halfway between now and the staple's
// expiry; this is the default RefreshMargin policy.
func halfLifeRefresh(now, validUntil time.Time) time.Time {
	remaining := validUntil.Sub(now)
	if remaining <= 0 {
		return now
	}
	return now.Add(remaining / 2)
}

// ErrPoolExhausted is returned by Run when a worker pool exceeds its restart
// budget; the caller (cmd/ocspd) maps this to exit code 2.
var ErrPoolExhausted = errors.New("pipeline: worker pool exceeded restart budget")

// Orchestrator wires the watcher, scheduler, and acquirer together.
type Orchestrator struct {
	opts    Options
	sched   *scheduler.Scheduler
	acq     *acquirer.Acquirer
	watcher Watcher
	log     *zap.Logger

	recordsMu sync.Mutex
	records   map[string]*record.Record // keyed by absolute path
}

// New creates an Orchestrator. sched must already exist; the orchestrator
// registers the parse/renew queues on it during Run.
func New(sched *scheduler.Scheduler, acq *acquirer.Acquirer, watcher Watcher, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		opts:    opts,
		sched:   sched,
		acq:     acq,
		watcher: watcher,
		log:     opts.Logger,
		records: make(map[string]*record.Record),
	}
}

// Run registers the queues, starts the scheduler loop, the watcher, and
// both worker pools, and blocks until ctx is cancelled or a pool exhausts
// its restart budget.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.sched.AddQueue(QueueParse, 4096); err != nil {
		return err
	}
	if err := o.sched.AddQueue(QueueRenew, 4096); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.sched.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return o.runWatcher(gctx)
	})

	g.Go(func() error {
		return o.supervisePool(gctx, "parser", o.opts.ParserWorkers, o.parseOnce)
	})

	g.Go(func() error {
		return o.supervisePool(gctx, "renewer", o.opts.RenewerWorkers, o.renewOnce)
	})

	if o.opts.Metrics != nil {
		g.Go(func() error {
			o.reportMetrics(gctx)
			return nil
		})
	}

	return g.Wait()
}

// reportMetrics periodically copies scheduler/record counts into the
// Prometheus gauges exposed on the admin surface.
func (o *Orchestrator) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := o.sched.QueueDepth(QueueParse); err == nil {
				o.opts.Metrics.QueueDepth.WithLabelValues(QueueParse).Set(float64(depth))
			}
			if depth, err := o.sched.QueueDepth(QueueRenew); err == nil {
				o.opts.Metrics.QueueDepth.WithLabelValues(QueueRenew).Set(float64(depth))
			}
			o.opts.Metrics.SchedulerBacklog.Set(float64(o.sched.Pending()))

			o.recordsMu.Lock()
			n := len(o.records)
			o.recordsMu.Unlock()
			o.opts.Metrics.RecordsTracked.Set(float64(n))
		}
	}
}

// Quiesce drains both queues: it waits for outstanding parse and renew work
// to finish (via the scheduler's task_done counters), for use by the admin
// readiness probe and by deterministic integration tests.
func (o *Orchestrator) Quiesce(ctx context.Context) error {
	if err := o.sched.Join(ctx, QueueParse); err != nil {
		return err
	}
	return o.sched.Join(ctx, QueueRenew)
}

// recordFor returns the existing record for path, creating one if absent.
func (o *Orchestrator) recordFor(path string) *record.Record {
	o.recordsMu.Lock()
	defer o.recordsMu.Unlock()
	r, ok := o.records[path]
	if !ok {
		r = record.New(path)
		o.records[path] = r
	}
	return r
}

func (o *Orchestrator) forgetRecord(path string) {
	o.recordsMu.Lock()
	delete(o.records, path)
	o.recordsMu.Unlock()
}

// Snapshot returns a point-in-time view of every known record, for the
// admin status surface.
func (o *Orchestrator) Snapshot() []record.Snapshot {
	o.recordsMu.Lock()
	defer o.recordsMu.Unlock()
	out := make([]record.Snapshot, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r.Snap())
	}
	return out
}

// runWatcher subscribes to filesystem events and translates them into
// scheduler activity: added/modified enqueue onto parse, removed cancels
// any pending schedule and destroys the record.
func (o *Orchestrator) runWatcher(ctx context.Context) error {
	events, err := o.watcher.Subscribe(ctx, o.opts.Roots, o.opts.Extensions)
	if err != nil {
		return fmt.Errorf("pipeline: starting watcher: %w", err)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handleEvent(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) handleEvent(ev Event) {
	switch ev.Kind {
	case Added, Modified:
		rec := o.recordFor(ev.Path)
		prevHash := rec.Snap().Hash
		hash, err := rec.HashFile()
		if err != nil {
			o.log.Warn("could not hash file, skipping", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		if hash == prevHash {
			o.log.Debug("file content unchanged, not re-parsing", zap.String("path", ev.Path))
			return
		}
		ctx := &scheduler.Context{
			QueueName: QueueParse,
			Identity:  ev.Path,
			Label:     ev.Path,
			Payload:   ParsePayload{Record: rec},
		}
		if err := o.sched.AddTask(ctx, time.Time{}); err != nil {
			o.log.Error("could not enqueue parse task", zap.String("path", ev.Path), zap.Error(err))
		}
	case Removed:
		o.sched.CancelTask(ev.Path)
		o.forgetRecord(ev.Path)
	}
}

// parseOnce dequeues one parse task and runs it to completion, looping
// until ctx is cancelled. It is the body supervised (and restarted) by
// supervisePool.
func (o *Orchestrator) parseOnce(ctx context.Context) error {
	task, err := o.sched.GetTask(ctx, QueueParse, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer o.sched.TaskDone(QueueParse)

	payload, ok := task.Payload.(ParsePayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected parse payload %T", task.Payload)
	}
	rec := payload.Record

	if err := rec.ParseChain(o.log); err != nil {
		o.log.Error("chain validation failed", zap.String("path", rec.Path), zap.Error(err))
		rec.MarkIgnored()
		removeStaleStaple(rec)
		return nil
	}

	renewCtx := &scheduler.Context{
		QueueName: QueueRenew,
		Identity:  rec.Path,
		Label:     rec.Path,
		Payload:   RenewPayload{Record: rec},
	}
	if err := o.sched.AddTask(renewCtx, time.Time{}); err != nil {
		o.log.Error("could not enqueue renew task", zap.String("path", rec.Path), zap.Error(err))
	}
	return nil
}

// renewOnce dequeues one renew task, acquires a staple, and reschedules
// (success) or retries with bounded back-off (failure).
func (o *Orchestrator) renewOnce(ctx context.Context) error {
	task, err := o.sched.GetTask(ctx, QueueRenew, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer o.sched.TaskDone(QueueRenew)

	payload, ok := task.Payload.(RenewPayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected renew payload %T", task.Payload)
	}
	rec := payload.Record

	if err := o.acq.Acquire(ctx, rec); err != nil {
		var renewErr *ocsperrors.OcspRenewError
		if !errors.As(err, &renewErr) {
			o.log.Error("staple acquisition failed with a non-renew error, dropping record", zap.String("path", rec.Path), zap.Error(err))
			return nil
		}

		if ocsperrors.Revoked(err) {
			o.log.Warn("certificate revoked, dropping staple and record", zap.String("path", rec.Path))
			removeStaleStaple(rec)
			return nil
		}

		failures := rec.IncrementFailure()
		if failures > o.opts.MaxAcquireFailures {
			o.log.Warn("dropping record after repeated acquisition failures",
				zap.String("path", rec.Path), zap.Int("failures", failures))
			return nil
		}

		delay := backoffDelay(o.opts.FailureBackoffBase, o.opts.FailureBackoffCap, failures)
		o.log.Warn("staple acquisition failed, retrying with back-off",
			zap.String("path", rec.Path), zap.Int("failures", failures), zap.Duration("delay", delay), zap.Error(err))

		if err := task.Reschedule(time.Now().UTC().Add(delay)); err != nil {
			o.log.Error("could not reschedule renewal", zap.String("path", rec.Path), zap.Error(err))
		}
		return nil
	}

	next := o.opts.RefreshMargin(time.Now().UTC(), rec.StapleValidUntil)
	if err := task.Reschedule(next); err != nil {
		o.log.Error("could not schedule renewal", zap.String("path", rec.Path), zap.Error(err))
	}
	return nil
}

// backoffDelay is a bounded exponential back-off: base * 2^(failures-1),
// capped at max.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func removeStaleStaple(rec *record.Record) {
	_ = removeFile(rec.StapleFilePath())
}
