package backoff

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMin = 1 * time.Second
	DefaultMax = 1 * time.Minute
)

// Backoff tracks consecutive failures of a retried operation and hands out
// exponentially growing delays, capped at max.
type Backoff struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	failures int
}

// New creates a Backoff. Non-positive bounds fall back to the defaults.
func New(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max}
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.min
	for i := 0; i < b.failures && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.failures++
	return d
}

// Failures returns the number of failures since the last reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset clears the failure count (called after a successful attempt).
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
