package devops

import (
	"fmt"
	"time"
)

// AuthError means the access token was rejected. It is fatal: a personal
// access token that stops working never recovers without operator action.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("devops: authentication rejected (status %d)", e.Status)
}

// RateLimitError means the service throttled the request. Wait carries the
// server-directed delay from the Retry-After header.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("devops: rate limited, retry after %s", e.Wait)
}

// RetryAfter implements retry.Waiter.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// NotFoundError means the requested run or log no longer exists, typically
// because it was purged by a retention policy.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("devops: %s not found", e.Resource)
}

// TransientError wraps a connectivity or server-side failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "devops: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
