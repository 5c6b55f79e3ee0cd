package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/evalwatch/internal/errors"
	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
	"github.com/3leaps/evalwatch/pkg/jobstore/httpstore"
	"github.com/3leaps/evalwatch/pkg/watch"
)

// DefaultKeepAlive spaces SSE comment lines on idle streams.
const DefaultKeepAlive = 15 * time.Second

// JobsHandler serves job reads and watch streams from one store.
type JobsHandler struct {
	reader        jobstore.Reader
	watcher       *watch.Watcher
	logger        *zap.Logger
	streamTimeout time.Duration
	keepAlive     time.Duration
}

// JobsOption configures a JobsHandler.
type JobsOption func(*JobsHandler)

// WithStreamTimeout caps each watch stream; clients get a timeout event.
func WithStreamTimeout(d time.Duration) JobsOption {
	return func(h *JobsHandler) { h.streamTimeout = d }
}

// WithKeepAlive sets the idle keepalive interval.
func WithKeepAlive(d time.Duration) JobsOption {
	return func(h *JobsHandler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithJobsLogger sets the logger.
func WithJobsLogger(logger *zap.Logger) JobsOption {
	return func(h *JobsHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewJobsHandler serves reads from reader and watches through watcher.
func NewJobsHandler(reader jobstore.Reader, watcher *watch.Watcher, opts ...JobsOption) *JobsHandler {
	h := &JobsHandler{
		reader:    reader,
		watcher:   watcher,
		logger:    zap.NewNop(),
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the handler under /v1/jobs.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.ListJobs)
	r.Get("/{id}", h.GetJob)
	r.Get("/{id}/watch", h.WatchJob)
}

func jobIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// GetJob serves GET /v1/jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := jobIDParam(r)
	if id == "" {
		respondWithError(w, r, apperrors.NewBadRequestError("job id is required"))
		return
	}
	job, err := h.reader.FetchJob(r.Context(), id)
	if err != nil {
		if !jobstore.IsNotFound(err) {
			h.logger.Warn("Job fetch failed", zap.String("job_id", id), zap.Error(err))
		}
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

// ListJobs serves GET /v1/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.reader.(jobstore.Lister)
	if !ok {
		respondWithError(w, r, apperrors.NewNotImplementedError("store does not support listing"))
		return
	}
	jobs, err := lister.ListJobs(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobstate.Job{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type sseEvent struct {
	name     string
	data     any
	terminal bool
}

// WatchJob serves GET /v1/jobs/{id}/watch as Server-Sent Events: one update
// event per adopted snapshot, then a complete or error event.
func (h *JobsHandler) WatchJob(w http.ResponseWriter, r *http.Request) {
	id := jobIDParam(r)
	if id == "" {
		respondWithError(w, r, apperrors.NewBadRequestError("job id is required"))
		return
	}
	rc := http.NewResponseController(w)

	ctx := r.Context()
	if h.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.streamTimeout)
		defer cancel()
	}

	events := make(chan sseEvent, 32)
	emit := func(ev sseEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	sess, err := h.watcher.Watch(ctx, id, watch.Callbacks{
		OnUpdate: func(job jobstate.Job) {
			emit(sseEvent{name: httpstore.EventUpdate, data: job})
		},
		OnComplete: func(result json.RawMessage) {
			emit(sseEvent{name: httpstore.EventComplete, data: map[string]any{"result": result}, terminal: true})
		},
		OnError: func(err error) {
			emit(sseEvent{name: httpstore.EventError, data: map[string]string{"message": err.Error()}, terminal: true})
		},
	})
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequestError(err.Error()))
		return
	}
	defer sess.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": watching %s\n\n", id)
	_ = rc.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	logger := h.logger.With(zap.String("job_id", id))
	for {
		select {
		case ev := <-events:
			if err := writeSSE(w, ev.name, ev.data); err != nil {
				logger.Debug("Watch stream write failed", zap.Error(err))
				return
			}
			_ = rc.Flush()
			if ev.terminal {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case <-ctx.Done():
			if r.Context().Err() == nil {
				logger.Debug("Watch stream reached its time limit")
				_ = writeSSE(w, httpstore.EventTimeout, map[string]string{"message": "stream time limit reached"})
				_ = rc.Flush()
			}
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
