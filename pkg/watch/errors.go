package watch

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller contract violations.
var (
	// ErrMissingID indicates an empty job id. It is returned synchronously,
	// before any I/O.
	ErrMissingID = errors.New("job id is required")

	// ErrMissingCallback indicates OnComplete or OnError was not supplied.
	ErrMissingCallback = errors.New("OnComplete and OnError callbacks are required")
)

// Phase identifies which read produced a FetchError.
type Phase string

const (
	// PhaseInitial is the one snapshot read that establishes a baseline.
	PhaseInitial Phase = "initial"

	// PhasePoll is a recurring poll tick. Poll failures are never surfaced.
	PhasePoll Phase = "poll"
)

// FetchError wraps a transport or backend failure while reading a snapshot.
type FetchError struct {
	JobID string
	Phase Phase
	Err   error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// PushLifecycleError reports that the push transport is unavailable. It is a
// diagnostic: polling continues to carry the session.
type PushLifecycleError struct {
	JobID string
	State PushState
	Err   error
}

// Error implements the error interface.
func (e *PushLifecycleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("push channel %s for job %s", e.State, e.JobID)
	}
	return fmt.Sprintf("push channel %s for job %s: %v", e.State, e.JobID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PushLifecycleError) Unwrap() error {
	return e.Err
}

// JobError is the terminal failure reported by the job itself.
type JobError struct {
	JobID   string
	Message string
}

// Error returns the job's failure message verbatim.
func (e *JobError) Error() string {
	return e.Message
}

// IsFetchError returns true if err came from a failed snapshot read.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsJobError returns true if err is a job's own terminal failure.
func IsJobError(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}
