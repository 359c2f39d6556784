package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration. MaxAttempts counts every call of the
// function, so MaxAttempts=1 means no retries.
type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		InitialWait: 1 * time.Second,
		MaxWait:     60 * time.Second,
		Multiplier:  2.0,
	}
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Waiter is implemented by errors that carry a server-directed wait, such as
// a rate-limit response with a Retry-After header. The wait replaces the
// computed backoff for that attempt.
type Waiter interface {
	RetryAfter() time.Duration
}

// Do executes fn with exponential backoff until it succeeds, returns a
// permanent error, the attempt budget is exhausted, or ctx is canceled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		// Don't wait after the last attempt.
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		waitTime := calculateBackoff(attempt, cfg)
		var w Waiter
		if errors.As(lastErr, &w) && w.RetryAfter() > 0 {
			waitTime = w.RetryAfter()
		}

		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// calculateBackoff computes the wait before the next attempt: exponential in
// the attempt number, capped at MaxWait, with ±25% jitter.
func calculateBackoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))

	if backoff > float64(cfg.MaxWait) {
		backoff = float64(cfg.MaxWait)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter

	if backoff < float64(cfg.InitialWait) {
		backoff = float64(cfg.InitialWait)
	}

	return time.Duration(backoff)
}
