package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped = errors.New("pipeline stopped")
	// ErrEmptyChain is reported when AddChain receives no retriables.
	ErrEmptyChain = errors.New("pipeline: empty chain")
)

// NoRetry marks an error as terminal for the retriable that returned it.
//
//	return pipeline.NoRetry(fmt.Errorf("bad payload: %w", err))
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

// RetryAfter attaches a backoff hint to err. The hint replaces the next
// computed delay (bounded by the policy ceiling) and later delays double from it.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// retryHint extracts a RetryAfter hint from err.
func retryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

// terminal strips the NoRetry marker so callers see the underlying error.
func terminal(err error) error {
	var nr noRetryError
	if errors.As(err, &nr) {
		return nr.err
	}
	return err
}
