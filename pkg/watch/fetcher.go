package watch

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// SnapshotFetcher performs single point-in-time reads of a job.
type SnapshotFetcher struct {
	reader  jobstore.Reader
	limiter *rate.Limiter
	timeout time.Duration
}

// NewSnapshotFetcher wraps reader. limiter may be nil; a zero timeout leaves
// reads bounded only by the caller's context.
func NewSnapshotFetcher(reader jobstore.Reader, limiter *rate.Limiter, timeout time.Duration) *SnapshotFetcher {
	return &SnapshotFetcher{reader: reader, limiter: limiter, timeout: timeout}
}

// Fetch reads the current snapshot of jobID.
//
// It returns ErrMissingID for an empty id without touching the store, an
// error matching jobstore.ErrNotFound when no record exists yet, and a
// *FetchError for any other failure.
func (f *SnapshotFetcher) Fetch(ctx context.Context, jobID string) (jobstate.Job, error) {
	return f.fetch(ctx, jobID, PhaseInitial)
}

func (f *SnapshotFetcher) fetch(ctx context.Context, jobID string, phase Phase) (jobstate.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return jobstate.Job{}, ErrMissingID
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return jobstate.Job{}, &FetchError{JobID: jobID, Phase: phase, Err: err}
		}
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	job, err := f.reader.FetchJob(ctx, jobID)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return jobstate.Job{}, err
		}
		return jobstate.Job{}, &FetchError{JobID: jobID, Phase: phase, Err: err}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}
