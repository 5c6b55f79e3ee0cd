// Package jobstore defines the contracts the watcher consumes from a job
// store: point reads, change subscriptions, and (for tooling) writes.
//
// Backends live in subpackages. Not every backend has a push transport; the
// watcher treats a missing Subscriber as a push channel that failed to connect
// and relies on polling alone.
package jobstore

import (
	"context"
	"time"

	"github.com/3leaps/evalwatch/pkg/jobstate"
)

// Reader performs point reads of a job by id.
//
// Implementations return an error wrapping ErrNotFound when no record exists.
type Reader interface {
	FetchJob(ctx context.Context, jobID string) (jobstate.Job, error)
}

// Subscriber opens a change-event stream for one job id.
//
// Subscribe returns once the transport is connected; an error means the
// connection failed. Only update events for jobID are delivered.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// Subscription is a live change-event stream.
type Subscription interface {
	// Events delivers snapshots in transport order. The channel is closed when
	// the stream ends, either through Close or because the transport gave up.
	Events() <-chan jobstate.Job

	// Err reports why Events was closed. It returns nil while the stream is
	// live and after a caller-initiated Close. ErrSubscriptionTimeout marks a
	// transport-announced timeout.
	Err() error

	// Close releases transport resources. It is idempotent.
	Close() error
}

// Writer stores a snapshot, enforcing jobstate.CanTransition against the
// stored record.
type Writer interface {
	PutJob(ctx context.Context, job jobstate.Job) error
}

// Lister enumerates stored jobs, newest first.
type Lister interface {
	ListJobs(ctx context.Context) ([]jobstate.Job, error)
}

// StampUpdatedAt fills a zero UpdatedAt with now. If the stored record is at
// or ahead of now, the stamp lands one nanosecond past it instead, so an
// unstamped write always supersedes what is stored. Explicit stamps are left
// alone for CheckTransition to judge.
func StampUpdatedAt(job *jobstate.Job, current *jobstate.Job, now time.Time) {
	if !job.UpdatedAt.IsZero() {
		return
	}
	job.UpdatedAt = now
	if current != nil && !job.NewerThan(*current) {
		job.UpdatedAt = current.UpdatedAt.Add(time.Nanosecond)
	}
}

// CheckTransition validates next against the currently stored record.
// A nil current means the record does not exist yet. Besides the status
// rules, next must be strictly newer than current; a write that is not would
// be dropped as stale by every watcher of the job.
func CheckTransition(current *jobstate.Job, next jobstate.Job) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if !jobstate.CanTransition(current.Status, next.Status) {
		return &StoreError{
			Op:     "Put",
			JobID:  next.ID,
			Err:    ErrInvalidTransition,
			Detail: string(current.Status) + " -> " + string(next.Status),
		}
	}
	if !next.NewerThan(*current) {
		return &StoreError{
			Op:     "Put",
			JobID:  next.ID,
			Err:    ErrStaleWrite,
			Detail: "updated_at " + next.UpdatedAt.Format(time.RFC3339Nano) + " not after " + current.UpdatedAt.Format(time.RFC3339Nano),
		}
	}
	return nil
}
