package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter. The zero value is
// not usable; construct with [NewBackoff]. Not safe for concurrent use;
// create one per retry loop.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the upcoming retry and advances the attempt
// counter. Delays double per attempt with ±25% jitter, capped at max.
func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++

	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + time.Duration(rand.Int64N(int64(2*jitter+1)))
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for the next delay or until ctx ends, returning ctx.Err in
// the latter case.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
