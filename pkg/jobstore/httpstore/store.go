// Package httpstore reads jobs from an evalwatch server over HTTP.
//
// Point reads use GET /v1/jobs/{id}. Change events come from the server's
// Server-Sent Events stream at GET /v1/jobs/{id}/watch.
package httpstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const backendName = "http"

// DefaultTimeout bounds point reads when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Compile-time interface checks.
var (
	_ jobstore.Reader     = (*Store)(nil)
	_ jobstore.Subscriber = (*Store)(nil)
	_ jobstore.Lister     = (*Store)(nil)
)

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// Timeout bounds point reads. Event streams are not bounded by it.
	Timeout time.Duration

	// HTTPClient overrides the client. It must not set Client.Timeout, which
	// would cut event streams short.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Store is a read-only job store backed by an evalwatch server.
type Store struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("http store: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("http store: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http store: unsupported scheme %q", base.Scheme)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{base: base, client: client, timeout: timeout, logger: logger}, nil
}

// BaseURL returns the normalized server root.
func (s *Store) BaseURL() string {
	return s.base.String()
}

func (s *Store) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return s.base.JoinPath(escaped...).String()
}

// FetchJob reads the current snapshot.
func (s *Store) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var job jobstate.Job
	if err := s.getJSON(ctx, "Fetch", jobID, s.endpoint("v1", "jobs", jobID), &job); err != nil {
		return jobstate.Job{}, err
	}
	return job, nil
}

// ListJobs returns every job the server knows, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]jobstate.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body struct {
		Jobs []jobstate.Job `json:"jobs"`
	}
	if err := s.getJSON(ctx, "List", "", s.endpoint("v1", "jobs"), &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

func (s *Store) getJSON(ctx context.Context, op, jobID, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, jobID, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorEnvelope is the server's JSON error body.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(op, jobID string, resp *http.Response) error {
	var env errorEnvelope
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(body, &env)

	if resp.StatusCode == http.StatusNotFound && jobID != "" {
		return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: jobstore.ErrNotFound, Detail: env.Error.Message}
	}
	detail := env.Error.Message
	if env.Error.Code != "" {
		detail = env.Error.Code + ": " + detail
	}
	return &jobstore.StoreError{
		Op:      op,
		Backend: backendName,
		JobID:   jobID,
		Err:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		Detail:  detail,
	}
}
