package acquirer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff implements backoff.BackOff with a strictly increasing
// schedule: the k-th call (1-indexed) returns k*step, for k up to
// maxRetries-1, after which it signals backoff.Stop. Counting up from the
// first retry (rather than counting down from maxRetries) avoids a 0s sleep
// on the very first retry.
type linearBackOff struct {
	step       time.Duration
	maxRetries int
	n          int
}

func newLinearBackOff(step time.Duration, maxRetries int) *linearBackOff {
	return &linearBackOff{step: step, maxRetries: maxRetries}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n >= b.maxRetries {
		return backoff.Stop
	}
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
