package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// supervisePool runs n copies of fn concurrently, each looping until ctx is
// cancelled. A worker that returns a non-nil error (including a recovered
// panic) is restarted, up to MaxThreadRestarts total restarts across the
// whole pool; exceeding that budget fails the pool.
func (o *Orchestrator) supervisePool(ctx context.Context, name string, n int, fn func(ctx context.Context) error) error {
	errc := make(chan error, n)
	restarts := 0

	var spawn func()
	spawn = func() {
		go func() {
			errc <- o.runWorkerUntilDone(ctx, fn)
		}()
	}

	for i := 0; i < n; i++ {
		spawn()
	}

	remaining := n
	for remaining > 0 {
		err := <-errc
		if ctx.Err() != nil {
			remaining--
			continue
		}
		if err == nil {
			// Worker loop ended on its own without ctx cancellation; treat
			// as a crash so the pool keeps its configured concurrency.
			err = fmt.Errorf("worker exited without error")
		}

		restarts++
		if restarts > o.opts.MaxThreadRestarts {
			o.log.Error("worker pool exhausted its restart budget, giving up",
				zap.String("pool", name), zap.Int("restarts", restarts), zap.Error(err))
			return fmt.Errorf("%w: pool %q, last error: %v", ErrPoolExhausted, name, err)
		}

		o.log.Error("worker crashed, restarting",
			zap.String("pool", name), zap.Int("restarts", restarts), zap.Error(err))
		spawn()
	}
	return nil
}

// runWorkerUntilDone runs fn in a loop, recovering panics into errors, until
// ctx is cancelled (returns nil) or fn returns a non-nil error (returns it).
func (o *Orchestrator) runWorkerUntilDone(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := fn(ctx); err != nil {
			return err
		}
	}
}

// removeFile removes path, treating "already gone" as success.
func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
