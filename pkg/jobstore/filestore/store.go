// Package filestore persists job snapshots as JSON files in a directory and
// pushes changes to subscribers through filesystem notifications.
//
// Directory layout:
//
//	<root>/<job_id>.json
//
// Writes go through a temp file and rename so readers never observe a
// partially written record.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const backendName = "file"

// Compile-time interface checks.
var (
	_ jobstore.Reader     = (*Store)(nil)
	_ jobstore.Subscriber = (*Store)(nil)
	_ jobstore.Writer     = (*Store)(nil)
	_ jobstore.Lister     = (*Store)(nil)
)

// Store reads and writes job records under a root directory.
type Store struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by subscriptions.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(root string, opts ...Option) *Store {
	s := &Store{
		root:   strings.TrimSpace(root),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.root, jobID+".json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func validateID(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("job_id %q is not a valid file name", jobID)
	}
	return jobID, nil
}

// PutJob writes a snapshot atomically. A zero UpdatedAt is stamped with the
// current time.
func (s *Store) PutJob(ctx context.Context, job jobstate.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jobID, err := validateID(job.ID)
	if err != nil {
		return err
	}
	job.ID = jobID
	if err := s.ensureRoot(); err != nil {
		return err
	}

	var current *jobstate.Job
	existing, err := s.readJob(jobID)
	switch {
	case err == nil:
		current = &existing
	case !jobstore.IsNotFound(err):
		return err
	}
	jobstore.StampUpdatedAt(&job, current, s.now())
	if err := jobstore.CheckTransition(current, job); err != nil {
		return err
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.root, "."+jobID+".json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// FetchJob reads the current snapshot for jobID.
func (s *Store) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobstate.Job{}, err
	}
	id, err := validateID(jobID)
	if err != nil {
		return jobstate.Job{}, err
	}
	return s.readJob(id)
}

func (s *Store) readJob(jobID string) (jobstate.Job, error) {
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobstate.Job{}, jobstore.NotFound(backendName, jobID)
		}
		return jobstate.Job{}, &jobstore.StoreError{Op: "Fetch", Backend: backendName, JobID: jobID, Err: err}
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return jobstate.Job{}, fmt.Errorf("job file for %s is empty", jobID)
	}

	var job jobstate.Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return jobstate.Job{}, fmt.Errorf("parse job file for %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns every readable record, most recently updated first.
// Unreadable files are skipped.
func (s *Store) ListJobs(ctx context.Context) ([]jobstate.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]jobstate.Job, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		j, err := s.readJob(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, j)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
