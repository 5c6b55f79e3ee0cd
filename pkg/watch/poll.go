package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// DefaultPollInterval is the fixed interval between poll ticks.
const DefaultPollInterval = 3 * time.Second

// TickerFunc creates a ticker firing every d. It returns the tick channel and
// a function releasing the ticker.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// PollOption configures StartPoll.
type PollOption func(*pollConfig)

type pollConfig struct {
	ticker TickerFunc
	logger *zap.Logger
}

// WithPollTicker replaces the system ticker.
func WithPollTicker(ticker TickerFunc) PollOption {
	return func(c *pollConfig) {
		if ticker != nil {
			c.ticker = ticker
		}
	}
}

// WithPollLogger sets the logger for tick failures.
func WithPollLogger(logger *zap.Logger) PollOption {
	return func(c *pollConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// PollHandle owns one running poll loop.
type PollHandle struct {
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartPoll re-reads jobID every interval, starting one full interval from
// now, and passes each successfully fetched snapshot to onEvent.
//
// Missing records and fetch failures are logged and the loop keeps ticking.
// After emitting a terminal snapshot the loop stops itself.
func StartPoll(ctx context.Context, fetcher *SnapshotFetcher, jobID string, interval time.Duration, onEvent func(jobstate.Job), opts ...PollOption) *PollHandle {
	cfg := pollConfig{ticker: systemTicker, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	h := &PollHandle{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.run(ctx, fetcher, jobID, interval, onEvent, cfg)
	return h
}

// Stop ends the loop. It is idempotent, safe after self-stop, and does not
// wait for an in-flight fetch.
func (h *PollHandle) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Done is closed once the loop goroutine has exited.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

func (h *PollHandle) stopped() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

func (h *PollHandle) run(ctx context.Context, fetcher *SnapshotFetcher, jobID string, interval time.Duration, onEvent func(jobstate.Job), cfg pollConfig) {
	defer close(h.done)
	logger := cfg.logger.With(zap.String("job_id", jobID))

	ticks, release := cfg.ticker(interval)
	defer release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return
		case <-ticks:
		}

		job, err := fetcher.fetch(ctx, jobID, PhasePoll)
		if h.stopped() || ctx.Err() != nil {
			return
		}
		if err != nil {
			if jobstore.IsNotFound(err) {
				logger.Debug("Poll tick found no job record yet")
			} else {
				logger.Warn("Poll tick failed", zap.Error(err))
			}
			continue
		}

		onEvent(job)
		if job.IsTerminal() {
			logger.Debug("Poll loop observed terminal status", zap.Stringer("status", job.Status))
			h.Stop()
			return
		}
	}
}
