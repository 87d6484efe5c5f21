// Package backoff implements exponential backoff for retrying store connections
// and other startup operations.
package backoff

import (
	"context"
	"fmt"
	"time"
)

const (
	// StartupInitialDelay is the first delay between store connection attempts
	StartupInitialDelay = 50 * time.Millisecond
	// StartupMaxDelay caps the delay between store connection attempts
	StartupMaxDelay = 2 * time.Second
	// StartupMultiplier is the growth factor between store connection attempts
	StartupMultiplier = 2.0
)

// Backoff implements exponential backoff with configurable parameters.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a new Backoff. initialDelay is the delay before the first retry,
// maxDelay caps the delay and multiplier is the growth factor per retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// NewStartup returns the backoff used when connecting to stores at startup:
// 50ms doubling up to 2s.
func NewStartup() *Backoff {
	return New(StartupInitialDelay, StartupMaxDelay, StartupMultiplier)
}

// Next returns the current delay and advances to the next one
func (b *Backoff) Next() time.Duration {
	d := b.currentDelay
	b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
	if b.currentDelay > b.maxDelay {
		b.currentDelay = b.maxDelay
	}
	return d
}

// Wait waits for the current backoff duration, respecting context cancellation.
// After a successful wait, the delay is increased for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.Next()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Retry calls fn until it succeeds, attempts calls have failed, or ctx is done.
// attempts <= 0 retries until ctx is done. The last error of fn is returned.
func (b *Backoff) Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempts > 0 && attempt >= attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if werr := b.Wait(ctx); werr != nil {
			return fmt.Errorf("%w (last error: %v)", werr, err)
		}
	}
}
