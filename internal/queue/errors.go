package queue

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("queue stopped")
	ErrQueueFull   = errors.New("queue full")
	ErrCircuitOpen = errors.New("queue circuit breaker open")
	ErrNoHandler   = errors.New("no handler registered for job")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap permanent failures (a template that no longer exists, a
// malformed payload) so the queue fails the job on the first attempt:
//
//	return queue.NoRetry(fmt.Errorf("template %s: %w", id, err))
//
// NoRetry failures do not count against the circuit breaker.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
