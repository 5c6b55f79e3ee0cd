package watch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// Lifecycle is the state of a watch session.
type Lifecycle string

const (
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleWatching     Lifecycle = "watching"
	LifecycleStopped      Lifecycle = "stopped"
)

func (l Lifecycle) String() string {
	return string(l)
}

// Callbacks receive the outcome of a watch. OnComplete and OnError are
// required; at most one of them is ever called, and at most once.
type Callbacks struct {
	// OnUpdate receives every adopted snapshot, in non-decreasing UpdatedAt
	// order, including the terminal one.
	OnUpdate func(job jobstate.Job)

	// OnComplete receives the result payload of a complete job.
	OnComplete func(result json.RawMessage)

	// OnError receives a *JobError when the job failed, or a *FetchError when
	// the initial read failed.
	OnError func(err error)

	// OnDiagnostic receives *PushLifecycleError values when the push channel
	// fails and transport reporting is enabled.
	OnDiagnostic func(err error)
}

// Stats counts what a session did with incoming snapshots.
type Stats struct {
	Adopted       int64
	Stale         int64
	AfterTerminal int64
	Discarded     int64
	PushState     PushState
}

// Session is one watch of one job id.
//
// All snapshot handling funnels through mu, and callbacks run while it is
// held, so the two channels can never both fire a terminal callback. Methods
// on Session never take mu, which keeps them safe to call from callbacks.
type Session struct {
	jobID   string
	watcher *Watcher
	cb      Callbacks
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	terminalFired bool

	stopped   atomic.Bool
	watching  atomic.Bool
	lastKnown atomic.Pointer[jobstate.Job]
	pushState atomic.Value

	adopted       atomic.Int64
	stale         atomic.Int64
	afterTerminal atomic.Int64
	discarded     atomic.Int64

	push atomic.Pointer[PushHandle]
	poll atomic.Pointer[PollHandle]

	doneOnce sync.Once
	done     chan struct{}
}

func newSession(ctx context.Context, w *Watcher, jobID string, cb Callbacks) *Session {
	s := &Session{
		jobID:   jobID,
		watcher: w,
		cb:      cb,
		logger:  w.logger.With(zap.String("job_id", jobID)),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pushState.Store(PushIdle)
	return s
}

// JobID returns the watched id.
func (s *Session) JobID() string {
	return s.jobID
}

// State returns the current lifecycle state.
func (s *Session) State() Lifecycle {
	switch {
	case s.stopped.Load():
		return LifecycleStopped
	case s.watching.Load():
		return LifecycleWatching
	default:
		return LifecycleInitializing
	}
}

// LastKnown returns the most recently adopted snapshot.
func (s *Session) LastKnown() (jobstate.Job, bool) {
	job := s.lastKnown.Load()
	if job == nil {
		return jobstate.Job{}, false
	}
	return *job, true
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Adopted:       s.adopted.Load(),
		Stale:         s.stale.Load(),
		AfterTerminal: s.afterTerminal.Load(),
		Discarded:     s.discarded.Load(),
		PushState:     s.pushState.Load().(PushState),
	}
}

// Done is closed once the session has stopped and released its channels.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the session silently. It is idempotent, safe from any
// goroutine including from inside a callback, and waits neither on transport
// I/O nor on a callback that is already running.
//
// Stop does not fence deliveries already under way: an OnUpdate or
// OnDiagnostic call that passed its stop check before Stop may still run, as
// may a terminal callback that was already claimed. Every later delivery is
// suppressed, and no terminal callback can be claimed once Stop is called.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.logger.Debug("Watch session cancelled")
	s.release()
}

// release closes whatever channels are open. It may run more than once.
func (s *Session) release() {
	if p := s.push.Swap(nil); p != nil {
		p.Close()
	}
	if p := s.poll.Swap(nil); p != nil {
		p.Stop()
	}
	s.cancel()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) run() {
	job, err := s.watcher.fetcher.fetch(s.ctx, s.jobID, PhaseInitial)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		s.discarded.Add(1)
		return
	}

	switch {
	case err == nil:
		s.accept(job)
		if job.IsTerminal() {
			s.fireTerminal(job)
			return
		}
	case jobstore.IsNotFound(err):
		s.logger.Debug("No job record yet, watching without baseline")
	default:
		if s.ctx.Err() != nil {
			s.Stop()
			return
		}
		s.fireFetchError(err)
		return
	}

	if s.stopped.Load() {
		return
	}
	s.watching.Store(true)
	s.startChannels()
	s.logger.Debug("Watch session watching")

	// Stop may have raced the channel start.
	if s.stopped.Load() {
		s.release()
	}
}

func (s *Session) startChannels() {
	w := s.watcher
	s.push.Store(OpenPush(s.ctx, w.subscriber, s.jobID,
		func(job jobstate.Job) { s.adopt(job, "push") },
		s.onPushState,
		WithPushConnectTimeout(w.cfg.ConnectTimeout),
		WithPushLogger(s.logger),
	))
	s.poll.Store(StartPoll(s.ctx, w.fetcher, s.jobID, w.cfg.PollInterval,
		func(job jobstate.Job) { s.adopt(job, "poll") },
		WithPollTicker(w.ticker),
		WithPollLogger(s.logger),
	))
}

// adopt is the single entry point for snapshots from either channel.
func (s *Session) adopt(job jobstate.Job, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		if s.terminalFired {
			s.afterTerminal.Add(1)
		} else {
			s.discarded.Add(1)
		}
		return
	}

	if last := s.lastKnown.Load(); last != nil && !job.NewerThan(*last) {
		s.stale.Add(1)
		s.logger.Debug("Dropped stale snapshot",
			zap.String("source", source),
			zap.Stringer("status", job.Status),
			zap.Time("updated_at", job.UpdatedAt),
			zap.Time("last_known", last.UpdatedAt),
		)
		return
	}

	s.logger.Debug("Adopted snapshot",
		zap.String("source", source),
		zap.Stringer("status", job.Status),
		zap.Time("updated_at", job.UpdatedAt),
	)
	s.accept(job)
	if job.IsTerminal() {
		s.fireTerminal(job)
	}
}

// accept records job and delivers OnUpdate. Caller holds mu.
func (s *Session) accept(job jobstate.Job) {
	s.lastKnown.Store(&job)
	s.adopted.Add(1)
	if s.cb.OnUpdate != nil && !s.stopped.Load() {
		s.cb.OnUpdate(job)
	}
}

// fireTerminal claims the session's one terminal callback. Caller holds mu.
func (s *Session) fireTerminal(job jobstate.Job) {
	if s.terminalFired || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.terminalFired = true
	s.release()

	s.logger.Info("Job reached terminal status", zap.Stringer("status", job.Status))
	if job.Status == jobstate.StatusComplete {
		s.cb.OnComplete(job.Result)
		return
	}
	s.cb.OnError(&JobError{JobID: s.jobID, Message: job.ErrorMessage})
}

// fireFetchError reports a failed initial read. Caller holds mu.
func (s *Session) fireFetchError(err error) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.terminalFired = true
	s.release()

	s.logger.Warn("Initial job fetch failed", zap.Error(err))
	s.cb.OnError(err)
}

func (s *Session) onPushState(state PushState, err error) {
	s.pushState.Store(state)

	switch state {
	case PushFailed, PushTimedOut:
	default:
		s.logger.Debug("Push channel state", zap.Stringer("state", state))
		return
	}

	s.logger.Info("Push channel unavailable, relying on polling",
		zap.Stringer("state", state),
		zap.Error(err),
	)
	if !s.watcher.cfg.ReportTransport || s.cb.OnDiagnostic == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.cb.OnDiagnostic(&PushLifecycleError{JobID: s.jobID, State: state, Err: err})
}
