package acquirer

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestLinearBackOff_Sequence(t *testing.T) {
	b := newLinearBackOff(5*time.Second, 3)

	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 10*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestLinearBackOff_Reset(t *testing.T) {
	b := newLinearBackOff(5*time.Second, 3)

	b.NextBackOff()
	b.NextBackOff()
	b.Reset()

	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestLinearBackOff_SingleRetryStopsImmediately(t *testing.T) {
	b := newLinearBackOff(5*time.Second, 1)
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}
