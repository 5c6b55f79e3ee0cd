// Package memory implements an in-process job store with a push transport.
//
// Subscribers are grouped per job id and receive snapshots through buffered
// channels. Delivery is best-effort: a subscriber whose buffer is full misses
// the event and has to rely on polling to catch up.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const backendName = "memory"

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 16

// Compile-time interface checks.
var (
	_ jobstore.Reader     = (*Store)(nil)
	_ jobstore.Subscriber = (*Store)(nil)
	_ jobstore.Writer     = (*Store)(nil)
	_ jobstore.Lister     = (*Store)(nil)
)

// Store keeps job snapshots in memory and fans out changes to subscribers.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]jobstate.Job
	topics map[string]map[string]*subscription // jobID → subscriptionID → subscription
	closed bool

	bufferSize int
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// WithLogger sets the logger used for dropped-event diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:       make(map[string]jobstate.Job),
		topics:     make(map[string]map[string]*subscription),
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchJob returns the current snapshot for jobID.
func (s *Store) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobstate.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return jobstate.Job{}, &jobstore.StoreError{Op: "Fetch", Backend: backendName, JobID: jobID, Err: jobstore.ErrClosed}
	}
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return jobstate.Job{}, jobstore.NotFound(backendName, jobID)
	}
	return cloneJob(job), nil
}

// PutJob stores a snapshot and publishes it to the job's subscribers.
// A zero UpdatedAt is stamped with the current time; an explicit one must be
// newer than the stored record.
func (s *Store) PutJob(ctx context.Context, job jobstate.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.ID = strings.TrimSpace(job.ID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &jobstore.StoreError{Op: "Put", Backend: backendName, JobID: job.ID, Err: jobstore.ErrClosed}
	}
	var current *jobstate.Job
	if existing, ok := s.jobs[job.ID]; ok {
		current = &existing
	}
	jobstore.StampUpdatedAt(&job, current, s.now())
	if err := jobstore.CheckTransition(current, job); err != nil {
		s.mu.Unlock()
		return err
	}
	s.jobs[job.ID] = cloneJob(job)

	// Copy targets so sends happen outside the lock.
	subs := s.topics[job.ID]
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if !sub.send(cloneJob(job)) {
			s.logger.Debug("Dropped job event for slow subscriber",
				zap.String("job_id", job.ID),
				zap.String("subscription_id", sub.id),
			)
		}
	}
	return nil
}

// ListJobs returns all stored jobs, most recently updated first.
func (s *Store) ListJobs(ctx context.Context) ([]jobstate.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]jobstate.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Subscribe opens a change stream for jobID.
func (s *Store) Subscribe(ctx context.Context, jobID string) (jobstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: jobID, Err: jobstore.ErrClosed}
	}

	sub := &subscription{
		id:    uuid.New().String(),
		jobID: jobID,
		store: s,
		ch:    make(chan jobstate.Job, s.bufferSize),
	}
	subs, ok := s.topics[jobID]
	if !ok {
		subs = make(map[string]*subscription)
		s.topics[jobID] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions for jobID.
func (s *Store) SubscriberCount(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[jobID])
}

// Disconnect ends every subscription for jobID with reason, as a transport
// would on a dropped connection. Pass jobstore.ErrSubscriptionTimeout to
// simulate a transport timeout.
func (s *Store) Disconnect(jobID string, reason error) {
	s.mu.Lock()
	subs := s.topics[jobID]
	delete(s.topics, jobID)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(reason)
	}
}

// Close ends all subscriptions and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := s.topics
	s.topics = make(map[string]map[string]*subscription)
	s.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.end(jobstore.ErrClosed)
		}
	}
	return nil
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[sub.jobID]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(s.topics, sub.jobID)
	}
}

func cloneJob(j jobstate.Job) jobstate.Job {
	if j.Result != nil {
		j.Result = append([]byte(nil), j.Result...)
	}
	return j
}

// subscription is one subscriber's view of a job topic.
type subscription struct {
	id    string
	jobID string
	store *Store
	ch    chan jobstate.Job

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) Events() <-chan jobstate.Job { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.store.remove(s)
	s.end(nil)
	return nil
}

// send attempts a non-blocking delivery. Returns false if the event was dropped.
func (s *subscription) send(job jobstate.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- job:
		return true
	default:
		return false
	}
}

// end closes the event channel once, recording why.
func (s *subscription) end(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}
