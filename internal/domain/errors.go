package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors capability implementations wrap to mark a failure class.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrEmptyBatch   = errors.New("batch has no usable content")
)

// TransientError marks an error as retryable regardless of its concrete type.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError marks an upstream quota/rate-limit signal. Retryable, but on
// the elevated backoff schedule.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration // 0 when the upstream gave no hint
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx upstream response, surfaced raw so the retry
// controller can classify by status code.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}
