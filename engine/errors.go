package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrUnknownJob       = errors.New("unknown job")
	ErrUnknownQueue     = errors.New("unknown queue")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrInvalidJob       = errors.New("invalid job")
)

// Failure reasons stored in job history and dead letters.
const (
	ReasonHandlerError = "handler_error"
	ReasonTimeout      = "timeout"
	ReasonUnknownJob   = "unknown_job"
	ReasonLeaseExpired = "lease_expired"
)

// HandlerError is a failure reported by a handler, including recovered panics.
type HandlerError struct {
	Err   error
	Panic interface{}
	Stack []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler panic: %v", e.Panic)
	}
	return fmt.Sprintf("handler error: %v", e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TimeoutError means the handler did not return within its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ReasonOf maps an error to the reason kind recorded with the job.
func ReasonOf(err error) string {
	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		return ReasonTimeout
	case errors.Is(err, ErrUnknownJob):
		return ReasonUnknownJob
	case errors.Is(err, ErrLeaseExpired):
		return ReasonLeaseExpired
	}
	return ReasonHandlerError
}
