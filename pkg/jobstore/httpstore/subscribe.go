package httpstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// Event names on the watch stream.
const (
	EventUpdate   = "update"
	EventComplete = "complete"
	EventError    = "error"
	EventTimeout  = "timeout"
)

const maxEventBytes = 4 << 20

// Subscribe opens the server's event stream for jobID. ctx bounds only the
// connection handshake; the stream lives until Close or until the server
// ends it.
func (s *Store) Subscribe(ctx context.Context, jobID string) (jobstore.Subscription, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.endpoint("v1", "jobs", jobID, "watch"), nil)
	if err != nil {
		cancel()
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: jobID, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.client.Do(req)
	stopped := stop()
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: jobID, Err: err}
	}
	if !stopped {
		_ = resp.Body.Close()
		cancel()
		return nil, &jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: jobID, Err: ctx.Err()}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		cancel()
		return nil, statusError("Subscribe", jobID, resp)
	}

	sub := &subscription{
		jobID:  jobID,
		ch:     make(chan jobstate.Job, 16),
		quit:   make(chan struct{}),
		cancel: cancel,
		logger: s.logger.With(zap.String("job_id", jobID)),
	}
	go sub.run(resp.Body)
	return sub, nil
}

type subscription struct {
	jobID  string
	ch     chan jobstate.Job
	quit   chan struct{}
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	err      error
	finished bool

	closeOnce sync.Once
}

func (s *subscription) Events() <-chan jobstate.Job { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
	return nil
}

func (s *subscription) closing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *subscription) run(body io.ReadCloser) {
	defer close(s.ch)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	scanner.Split(scanEventLines)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event == "" && data.Len() == 0 {
				continue
			}
			if !s.dispatch(event, data.String()) {
				return
			}
			event = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // keepalive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "id", "retry":
			// Streams are never resumed; the watcher re-subscribes from scratch.
		}
	}

	if s.closing() {
		return
	}
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if err := scanner.Err(); err != nil {
		s.fail(&jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: s.jobID, Err: err})
		return
	}
	if !finished {
		s.fail(&jobstore.StoreError{Op: "Subscribe", Backend: backendName, JobID: s.jobID, Err: io.ErrUnexpectedEOF})
	}
}

// dispatch handles one event and reports whether reading should continue.
// scanEventLines splits an event stream on LF, CRLF, or a lone CR.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		switch {
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 < len(data) || atEOF:
			return i + 1, data[:i], nil
		}
		// A CR at the end of the buffer may be the first half of CRLF.
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *subscription) dispatch(event, data string) bool {
	switch event {
	case EventUpdate:
		var job jobstate.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.logger.Warn("Skipping malformed update event", zap.Error(err))
			return true
		}
		select {
		case s.ch <- job:
			return true
		case <-s.quit:
			return false
		}
	case EventComplete, EventError:
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		return true
	case EventTimeout:
		s.fail(jobstore.ErrSubscriptionTimeout)
		return false
	default:
		s.logger.Debug("Ignoring unknown event", zap.String("event", event))
		return true
	}
}
