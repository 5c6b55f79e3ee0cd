package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job not found")

	// ErrPushUnsupported indicates the backend has no change-event transport.
	ErrPushUnsupported = errors.New("push transport not supported")

	// ErrSubscriptionTimeout indicates the transport announced a timeout.
	ErrSubscriptionTimeout = errors.New("subscription timed out")

	// ErrInvalidTransition indicates a write would move a job backwards or out
	// of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleWrite indicates a write whose UpdatedAt is not after the stored
	// record's. Watchers drop such snapshots, so stores refuse them.
	ErrStaleWrite = errors.New("stale write")

	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("store closed")
)

// StoreError wraps backend-specific errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Fetch", "Put", "Subscribe").
	Op string

	// Backend names the store backend (e.g., "sqlite", "s3").
	Backend string

	// JobID is the job id, if applicable.
	JobID string

	// Detail is optional human-readable context.
	Detail string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	prefix := e.Op
	if e.Backend != "" {
		prefix = e.Backend + " " + e.Op
	}
	msg := fmt.Sprintf("%s: %v", prefix, e.Err)
	if e.JobID != "" {
		msg = fmt.Sprintf("%s %s: %v", prefix, e.JobID, e.Err)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing job record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPushUnsupported returns true if the backend cannot push changes.
func IsPushUnsupported(err error) bool {
	return errors.Is(err, ErrPushUnsupported)
}

// IsSubscriptionTimeout returns true if the transport announced a timeout.
func IsSubscriptionTimeout(err error) bool {
	return errors.Is(err, ErrSubscriptionTimeout)
}

// IsInvalidTransition returns true if a write was rejected by the status rules.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsStaleWrite returns true if a write was rejected for not superseding the
// stored record.
func IsStaleWrite(err error) bool {
	return errors.Is(err, ErrStaleWrite)
}

// NotFound builds a StoreError for a missing record.
func NotFound(backend, jobID string) error {
	return &StoreError{Op: "Fetch", Backend: backend, JobID: jobID, Err: ErrNotFound}
}
