package watch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// Defaults for Config.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultFetchTimeout   = 15 * time.Second
	DefaultFetchBurst     = 1
)

// Config holds the tunables of a Watcher.
type Config struct {
	// PollInterval is the fixed spacing of poll ticks.
	PollInterval time.Duration

	// ReportTransport forwards push failures to Callbacks.OnDiagnostic.
	ReportTransport bool

	// ConnectTimeout bounds push subscription setup. Zero disables the bound.
	ConnectTimeout time.Duration

	// FetchTimeout bounds each snapshot read. Zero disables the bound.
	FetchTimeout time.Duration

	// FetchRate limits snapshot reads per second across all sessions of the
	// Watcher. Zero means unlimited.
	FetchRate float64

	// FetchBurst is the limiter burst when FetchRate is set.
	FetchBurst int
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		ReportTransport: true,
		ConnectTimeout:  DefaultConnectTimeout,
		FetchTimeout:    DefaultFetchTimeout,
		FetchBurst:      DefaultFetchBurst,
	}
}

// Watcher starts watch sessions against one job store.
type Watcher struct {
	reader        jobstore.Reader
	subscriber    jobstore.Subscriber
	subscriberSet bool
	limiter       *rate.Limiter
	limiterSet    bool
	ticker        TickerFunc
	logger        *zap.Logger
	cfg           Config
	fetcher       *SnapshotFetcher
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithConfig replaces all tunables at once. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(w *Watcher) { w.cfg = cfg }
}

// WithSubscriber sets the push transport. A nil subscriber disables push and
// the watcher relies on polling alone.
func WithSubscriber(sub jobstore.Subscriber) Option {
	return func(w *Watcher) {
		w.subscriber = sub
		w.subscriberSet = true
	}
}

// WithPollInterval sets the poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.cfg.PollInterval = d }
}

// WithReportTransport toggles push failure diagnostics.
func WithReportTransport(enabled bool) Option {
	return func(w *Watcher) { w.cfg.ReportTransport = enabled }
}

// WithConnectTimeout sets the push connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.cfg.ConnectTimeout = d }
}

// WithFetchTimeout sets the per-read timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.cfg.FetchTimeout = d }
}

// WithFetchLimiter shares limiter across all snapshot reads.
func WithFetchLimiter(limiter *rate.Limiter) Option {
	return func(w *Watcher) {
		w.limiter = limiter
		w.limiterSet = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTicker replaces the poll ticker, mainly for tests.
func WithTicker(ticker TickerFunc) Option {
	return func(w *Watcher) {
		if ticker != nil {
			w.ticker = ticker
		}
	}
}

// New returns a Watcher reading from reader. When reader also implements
// jobstore.Subscriber it is used as the push transport unless WithSubscriber
// says otherwise.
func New(reader jobstore.Reader, opts ...Option) *Watcher {
	w := &Watcher{
		reader: reader,
		ticker: systemTicker,
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if !w.subscriberSet {
		if sub, ok := reader.(jobstore.Subscriber); ok {
			w.subscriber = sub
		}
	}
	if w.cfg.PollInterval <= 0 {
		w.cfg.PollInterval = DefaultPollInterval
	}
	if !w.limiterSet && w.cfg.FetchRate > 0 {
		burst := w.cfg.FetchBurst
		if burst <= 0 {
			burst = DefaultFetchBurst
		}
		w.limiter = rate.NewLimiter(rate.Limit(w.cfg.FetchRate), burst)
	}
	w.fetcher = NewSnapshotFetcher(reader, w.limiter, w.cfg.FetchTimeout)
	return w
}

// Config returns the effective configuration.
func (w *Watcher) Config() Config {
	return w.cfg
}

// Fetcher returns the snapshot fetcher shared by all sessions.
func (w *Watcher) Fetcher() *SnapshotFetcher {
	return w.fetcher
}

// Watch starts observing jobID and returns immediately. Results arrive through
// cb. The session stops on its own after a terminal callback, when Stop is
// called, or when ctx is cancelled; cancellation never invokes a callback.
//
// Watch does not de-duplicate: two calls for the same id produce two
// independent sessions.
func (w *Watcher) Watch(ctx context.Context, jobID string, cb Callbacks) (*Session, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrMissingID
	}
	if cb.OnComplete == nil || cb.OnError == nil {
		return nil, ErrMissingCallback
	}

	s := newSession(ctx, w, jobID, cb)
	context.AfterFunc(s.ctx, s.Stop)

	s.logger.Debug("Watch session started")
	go s.run()
	return s, nil
}
