package watch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const waitTimeout = 2 * time.Second

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return baseTime.Add(time.Duration(seconds) * time.Second)
}

func pendingJob(id string, ts int) jobstate.Job {
	return jobstate.Job{ID: id, Status: jobstate.StatusPending, UpdatedAt: at(ts)}
}

func processingJob(id string, ts int) jobstate.Job {
	return jobstate.Job{ID: id, Status: jobstate.StatusProcessing, UpdatedAt: at(ts)}
}

func completeJob(id string, ts int, result string) jobstate.Job {
	return jobstate.Job{ID: id, Status: jobstate.StatusComplete, Result: json.RawMessage(result), UpdatedAt: at(ts)}
}

func failedJob(id string, ts int, msg string) jobstate.Job {
	return jobstate.Job{ID: id, Status: jobstate.StatusError, ErrorMessage: msg, UpdatedAt: at(ts)}
}

type fetchResult struct {
	job jobstate.Job
	err error
}

// scriptedReader returns results in order and repeats the last one.
type scriptedReader struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	gate    chan struct{}
	ctxs    []context.Context
}

func newScriptedReader(results ...fetchResult) *scriptedReader {
	return &scriptedReader{results: results}
}

func (r *scriptedReader) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.ctxs = append(r.ctxs, ctx)
	gate := r.gate
	var res fetchResult
	switch {
	case len(r.results) == 0:
		res = fetchResult{err: jobstore.NotFound("fake", jobID)}
	case i < len(r.results):
		res = r.results[i]
	default:
		res = r.results[len(r.results)-1]
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return jobstate.Job{}, ctx.Err()
		}
	}
	return res.job, res.err
}

func (r *scriptedReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeSubscription struct {
	ch         chan jobstate.Job
	closeCount atomic.Int32

	mu      sync.Mutex
	err     error
	endOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan jobstate.Job, 16)}
}

func (s *fakeSubscription) Events() <-chan jobstate.Job { return s.ch }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.closeCount.Add(1)
	return nil
}

// end simulates the transport giving up.
func (s *fakeSubscription) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

type fakeSubscriber struct {
	err   error
	block bool
	ready chan *fakeSubscription
	count atomic.Int32
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ready: make(chan *fakeSubscription, 4)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, jobID string) (jobstore.Subscription, error) {
	f.count.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSubscription()
	f.ready <- sub
	return sub, nil
}

func (f *fakeSubscriber) await(t *testing.T) *fakeSubscription {
	t.Helper()
	select {
	case sub := <-f.ready:
		return sub
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

// manualTicker hands out a channel the test fires by hand.
type manualTicker struct {
	ch       chan time.Time
	created  chan time.Duration
	released atomic.Int32
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		ch:      make(chan time.Time),
		created: make(chan time.Duration, 4),
	}
}

func (m *manualTicker) fn(d time.Duration) (<-chan time.Time, func()) {
	m.created <- d
	return m.ch, func() { m.released.Add(1) }
}

func (m *manualTicker) awaitCreated(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-m.created:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ticker")
		return 0
	}
}

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatal("poll loop did not take the tick")
	}
}

// tryTick fires a tick if the loop is still listening.
func (m *manualTicker) tryTick() bool {
	select {
	case m.ch <- time.Now():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

type recorder struct {
	mu        sync.Mutex
	updates   []jobstate.Job
	completes []json.RawMessage
	errs      []error
	diags     []error

	updateCh   chan jobstate.Job
	terminalCh chan struct{}
	diagCh     chan error
}

func newRecorder() *recorder {
	return &recorder{
		updateCh:   make(chan jobstate.Job, 32),
		terminalCh: make(chan struct{}, 4),
		diagCh:     make(chan error, 8),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnUpdate: func(job jobstate.Job) {
			r.mu.Lock()
			r.updates = append(r.updates, job)
			r.mu.Unlock()
			r.updateCh <- job
		},
		OnComplete: func(result json.RawMessage) {
			r.mu.Lock()
			r.completes = append(r.completes, result)
			r.mu.Unlock()
			r.terminalCh <- struct{}{}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.terminalCh <- struct{}{}
		},
		OnDiagnostic: func(err error) {
			r.mu.Lock()
			r.diags = append(r.diags, err)
			r.mu.Unlock()
			r.diagCh <- err
		},
	}
}

func (r *recorder) awaitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminalCh:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for terminal callback")
	}
}

func (r *recorder) awaitUpdate(t *testing.T) jobstate.Job {
	t.Helper()
	select {
	case job := <-r.updateCh:
		return job
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for update")
		return jobstate.Job{}
	}
}

func (r *recorder) awaitDiagnostic(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.diagCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for diagnostic")
		return nil
	}
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes) + len(r.errs)
}

func (r *recorder) snapshot() (updates []jobstate.Job, completes []json.RawMessage, errs []error, diags []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobstate.Job(nil), r.updates...),
		append([]json.RawMessage(nil), r.completes...),
		append([]error(nil), r.errs...),
		append([]error(nil), r.diags...)
}

func awaitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for done")
	}
}
