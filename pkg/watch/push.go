package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// PushState is the lifecycle of the push transport. It is unrelated to the
// status of the job being watched.
type PushState string

const (
	PushIdle       PushState = "idle"
	PushConnecting PushState = "connecting"
	PushConnected  PushState = "connected"
	PushFailed     PushState = "failed"
	PushTimedOut   PushState = "timed_out"
)

func (s PushState) String() string {
	return string(s)
}

// errStreamEnded is reported when a subscription closes without a reason.
var errStreamEnded = errors.New("push stream ended")

// PushOption configures OpenPush.
type PushOption func(*pushConfig)

type pushConfig struct {
	connectTimeout time.Duration
	logger         *zap.Logger
}

// WithPushConnectTimeout bounds how long Subscribe may take to connect.
func WithPushConnectTimeout(d time.Duration) PushOption {
	return func(c *pushConfig) { c.connectTimeout = d }
}

// WithPushLogger sets the logger for transport diagnostics.
func WithPushLogger(logger *zap.Logger) PushOption {
	return func(c *pushConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// PushHandle owns one push subscription. Close is idempotent and never blocks
// on the transport.
type PushHandle struct {
	jobID string
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	cancel    context.CancelFunc

	mu     sync.Mutex
	sub    jobstore.Subscription
	closed bool
}

// OpenPush subscribes to changes of jobID in the background.
//
// onLifecycle receives connecting, then connected or failed, and later
// timed_out or failed if an established stream ends. onEvent receives
// snapshots in transport order. Neither is called after Close. A nil
// subscriber reports failed with jobstore.ErrPushUnsupported.
func OpenPush(ctx context.Context, subscriber jobstore.Subscriber, jobID string, onEvent func(jobstate.Job), onLifecycle func(PushState, error), opts ...PushOption) *PushHandle {
	cfg := pushConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &PushHandle{
		jobID:  jobID,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go h.run(ctx, subscriber, onEvent, onLifecycle, cfg)
	return h
}

// Close stops delivery and releases the subscription.
func (h *PushHandle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		sub := h.sub
		h.mu.Unlock()

		close(h.quit)
		h.cancel()
		if sub != nil {
			_ = sub.Close()
		}
	})
}

// Done is closed once the background goroutine has exited.
func (h *PushHandle) Done() <-chan struct{} {
	return h.done
}

func (h *PushHandle) isClosed() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

func (h *PushHandle) run(ctx context.Context, subscriber jobstore.Subscriber, onEvent func(jobstate.Job), onLifecycle func(PushState, error), cfg pushConfig) {
	defer close(h.done)
	logger := cfg.logger.With(zap.String("job_id", h.jobID))

	report := func(state PushState, err error) {
		if h.isClosed() {
			return
		}
		if onLifecycle != nil {
			onLifecycle(state, err)
		}
	}

	report(PushConnecting, nil)
	if subscriber == nil {
		report(PushFailed, jobstore.ErrPushUnsupported)
		return
	}

	connectCtx := ctx
	if cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	sub, err := subscriber.Subscribe(connectCtx, h.jobID)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("connect timeout after %s: %w", cfg.connectTimeout, err)
		}
		report(PushFailed, err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sub.Close()
		return
	}
	h.sub = sub
	h.mu.Unlock()

	logger.Debug("Push channel connected")
	report(PushConnected, nil)

	for {
		select {
		case <-h.quit:
			return
		case job, ok := <-sub.Events():
			if !ok {
				reason := sub.Err()
				switch {
				case jobstore.IsSubscriptionTimeout(reason):
					report(PushTimedOut, reason)
				case reason == nil:
					report(PushFailed, errStreamEnded)
				default:
					report(PushFailed, reason)
				}
				return
			}
			if job.ID != "" && job.ID != h.jobID {
				continue
			}
			if h.isClosed() {
				return
			}
			onEvent(job)
		}
	}
}
