package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds how often a transient failure is re-driven before it is
// surfaced to the caller.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. retryable decides which errors are
// re-driven. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// backoff returns an exponentially growing delay with full jitter.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}
