package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure categories surfaced by the API layer.
// Wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrValidation marks malformed rule definitions or requests; rejected
	// synchronously, never stored.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks references to rules, jobs, or results that do not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrJobFailed marks terminal batch-job failures: a saturated job
	// queue or a state write still failing after retries.
	ErrJobFailed = errors.New("job failed")
)

// ValidationErrorf wraps ErrValidation with a formatted message.
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundErrorf wraps ErrNotFound with a formatted message.
func NotFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}
