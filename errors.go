package docstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions. Callers distinguish retryable from
// fatal conditions with errors.Is or the helpers below; nothing in this
// package retries internally.
var (
	// Data errors
	ErrNotFound    = errors.New("document not found")
	ErrInvalidData = errors.New("invalid document data")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrPreconditionFailed = errors.New("backend precondition failed")
	ErrTimeout            = errors.New("operation timed out")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds structured context to errors for debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout checks if an error is a deadline expiry
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable checks if an error is safe to retry. Retry policy belongs to
// the orchestration layer driving the stores, not to this package.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrInvalidConfig)
}
