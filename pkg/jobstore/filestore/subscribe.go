package filestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// errWatcherClosed is reported when the notifier shuts down on its own.
var errWatcherClosed = errors.New("filesystem watcher closed")

// Subscribe watches the store directory and emits a fresh snapshot whenever
// the job's file is created, written, or replaced.
func (s *Store) Subscribe(ctx context.Context, jobID string) (jobstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := validateID(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRoot(); err != nil {
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: id, Err: err}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: id, Err: err}
	}
	if err := w.Add(s.root); err != nil {
		_ = w.Close()
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: id, Err: err}
	}

	sub := &subscription{
		store:   s,
		jobID:   id,
		path:    filepath.Clean(s.JobPath(id)),
		watcher: w,
		ch:      make(chan jobstate.Job, 8),
		quit:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type subscription struct {
	store   *Store
	jobID   string
	path    string
	watcher *fsnotify.Watcher
	ch      chan jobstate.Job
	quit    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *subscription) Events() <-chan jobstate.Job { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.watcher.Close()
	})
	return err
}

func (s *subscription) fail(err error) {
	select {
	case <-s.quit:
		// Caller closed first; not a transport failure.
		return
	default:
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.ch)
	logger := s.store.logger.With(zap.String("job_id", s.jobID))

	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				s.fail(errWatcherClosed)
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			job, err := s.store.readJob(s.jobID)
			if err != nil {
				// Non-atomic writers can expose a half-written file; the next
				// write event (or the poll loop) picks it up.
				logger.Debug("Skipping unreadable job file event", zap.Error(err))
				continue
			}
			select {
			case s.ch <- job:
			case <-s.quit:
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.fail(errWatcherClosed)
				return
			}
			logger.Warn("Filesystem watcher failed", zap.Error(err))
			s.fail(err)
			_ = s.watcher.Close()
			return
		}
	}
}
