package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how fast a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Permanent reports errors that must not be retried. Nil retries every error.
	Permanent func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy is used for ledger RPC calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, returns a permanent error, attempts are
// exhausted, or ctx is done. A per-attempt deadline is retried; a done ctx
// is not.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if p.Permanent != nil && p.Permanent(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.BaseDelay << (attempt - 1)
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
