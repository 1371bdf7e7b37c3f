// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides bounded retry with exponential backoff for operations
// that lose optimistic-concurrency races or hit a briefly unavailable store.
package wait

import (
	"context"
	"math/rand"
	"time"
)

// Backoff describes a bounded exponential retry schedule. The n'th retry
// sleeps for Base * 2^n, capped at Max, with up to 50% added jitter.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by components that are not configured otherwise.
var DefaultBackoff = Backoff{
	Attempts: 8,
	Base:     5 * time.Millisecond,
	Max:      500 * time.Millisecond,
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay is the sleep before retry number n (zero-based), without jitter.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Retry runs f until it succeeds, returns an error for which retryable is
// false, or the attempts are spent. The last error from f is returned. A
// canceled context stops the retries and returns the context error.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, f func() error) error {
	b = b.withDefaults()
	var err error
	for i := 0; i < b.Attempts; i++ {
		if err = f(); err == nil || !retryable(err) {
			return err
		}
		if i == b.Attempts-1 {
			break
		}
		d := b.Delay(i)
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
