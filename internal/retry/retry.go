// Package retry runs an operation with bounded attempts and exponential
// backoff. Price lookups and notification sends share it.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures Do. Zero fields take the defaults below.
type Policy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before the second attempt (default 1s)
	Multiplier  float64       // growth per attempt (default 2)
	MaxDelay    time.Duration // cap for a single wait (default 30s)
	// Jitter spreads each wait by +/- the given fraction (0 disables).
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Errors wrapped with NoRetry and context errors are never retried.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before attempt+1, where attempt starts at 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, returns a permanent error, or the attempts
// run out. op receives the 1-based attempt number. Waits honour ctx.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.wait(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if !sleep(ctx, wait) {
			return err
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Err: err}
}

func (p Policy) shouldRetry(err error) bool {
	if IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func (p Policy) wait(attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return min(ra.RetryAfter(), p.MaxDelay)
	}
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		f := 1 - p.Jitter + rand.Float64()*2*p.Jitter
		d = time.Duration(float64(d) * f)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
