// Package jobstate defines the job record observed by the watcher and the
// rules that govern its status transitions and freshness.
package jobstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle status of a job.
//
// NOTE: These values are persisted by every store backend and are part of the
// stable storage contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Kind names a family of jobs that share a backing table or channel
// (for example "evaluation" or "interview_evaluation").
type Kind string

const (
	KindEvaluation          Kind = "evaluation"
	KindInterviewEvaluation Kind = "interview_evaluation"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether a job may move from one status to another.
//
// Allowed: pending->processing->{complete|error}, pending->{complete|error},
// and refreshing a non-terminal status in place. Terminal statuses are final.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatusPending:
		return true
	case StatusProcessing:
		return to != StatusPending
	}
	return false
}

// Job is a point-in-time snapshot of one asynchronous compute request.
type Job struct {
	ID           string          `json:"id" yaml:"id"`
	Kind         Kind            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Status       Status          `json:"status" yaml:"status"`
	Result       json.RawMessage `json:"result,omitempty" yaml:"-"`
	ErrorMessage string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"updated_at"`
}

// IsTerminal reports whether the job has finished.
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// NewerThan reports whether j should replace other. Snapshots whose
// UpdatedAt is not strictly after other's are stale.
func (j Job) NewerThan(other Job) bool {
	return j.UpdatedAt.After(other.UpdatedAt)
}

// Validate checks the structural invariants of a snapshot.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if len(j.Result) > 0 && j.Status != StatusComplete {
		return fmt.Errorf("job %s: result present with status %s", j.ID, j.Status)
	}
	if j.ErrorMessage != "" && j.Status != StatusError {
		return fmt.Errorf("job %s: error message present with status %s", j.ID, j.Status)
	}
	return nil
}

// DecodeResult unmarshals the result payload of a complete job.
func DecodeResult[T any](j Job) (T, error) {
	var out T
	if j.Status != StatusComplete {
		return out, fmt.Errorf("job %s is %s, not complete", j.ID, j.Status)
	}
	if len(j.Result) == 0 {
		return out, fmt.Errorf("job %s has no result", j.ID)
	}
	if err := json.Unmarshal(j.Result, &out); err != nil {
		return out, fmt.Errorf("decode result for job %s: %w", j.ID, err)
	}
	return out, nil
}
