package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	initialBackoff = time.Second
	backoffJitter  = 0.2

	// capHitsBeforeSurfacing is how many retries at the backoff cap pass
	// before a transient error is shown to the user.
	capHitsBeforeSurfacing = 3
)

// retryPolicy wraps an exponential backoff with jitter and tracks how often
// the cap was reached.
type retryPolicy struct {
	bo       *backoff.ExponentialBackOff
	max      time.Duration
	failures int
	capHits  int
}

func newRetryPolicy(max time.Duration, clk clockwork.Clock) *retryPolicy {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initialBackoff,
		RandomizationFactor: backoffJitter,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0, // retry forever; local state stays authoritative
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	bo.Reset()
	return &retryPolicy{bo: bo, max: max}
}

// next returns the delay before the next retry and whether the failure
// streak has sat at the cap long enough to surface.
func (r *retryPolicy) next() (time.Duration, bool) {
	r.failures++
	d := r.bo.NextBackOff()
	if d > r.max {
		d = r.max
	}
	shift := r.failures - 1
	if shift > 30 {
		shift = 30
	}
	if initialBackoff<<shift >= r.max {
		r.capHits++
	}
	return d, r.capHits >= capHitsBeforeSurfacing
}

func (r *retryPolicy) reset() {
	r.bo.Reset()
	r.failures = 0
	r.capHits = 0
}
