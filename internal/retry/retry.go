// Package retry runs bounded, capped exponential backoff around local writes.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop: at most Attempts tries, delays doubling from
// Base up to Max.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default matches the store readiness budget: five attempts, capped at 5s.
var Default = Policy{Attempts: 5, Base: 100 * time.Millisecond, Max: 5 * time.Second}

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or the
// attempt budget is spent. notify, if non-nil, runs before every wait.
func (p Policy) Do(ctx context.Context, fn func() error, notify func(attempt int, err error, wait time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	n := 0
	return backoff.RetryNotify(func() error {
		n++
		return fn()
	}, bo, func(err error, wait time.Duration) {
		if notify != nil {
			notify(n, err, wait)
		}
	})
}
