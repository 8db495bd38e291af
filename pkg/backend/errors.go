package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend operations.
var (
	// ErrUnavailable indicates a transient backend failure. Callers should
	// retry on their next poll rather than treat the job as failed.
	ErrUnavailable = errors.New("job backend unavailable")

	// ErrJobNotFound indicates the backend has no record of the job.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidSpec indicates a job spec that cannot be submitted.
	ErrInvalidSpec = errors.New("invalid job spec")
)

// Error wraps backend-specific errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "Submit", "Status").
	Op string

	// Backend is the backend type (e.g., "ecs").
	Backend string

	// JobID is the job identifier, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if the error is transient.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsJobNotFound returns true if the error indicates an unknown job.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
