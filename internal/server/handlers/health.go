package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/evalwatch/internal/errors"
)

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of a healthy probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

const checkTimeout = 2 * time.Second

// HealthManager runs registered checks for the health endpoints.
type HealthManager struct {
	version  string
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	started  time.Time
}

// NewHealthManager returns a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
		started:  time.Now(),
	}
}

// RegisterChecker adds or replaces a named check.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[i].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, result := range checks {
		switch result {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs every check. Unhealthy dependencies yield 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == "unhealthy" {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("one or more health checks failed").
			WithDetails(map[string]any{"checks": checks}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler reports the process is up without running checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: m.version, Timestamp: time.Now().UTC()})
}

// ReadinessHandler is HealthHandler under the readiness probe path.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports healthy once the manager exists.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.LivenessHandler(w, r)
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withGlobal(w http.ResponseWriter, r *http.Request, fn func(*HealthManager)) {
	m := GetHealthManager()
	if m == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("health manager not initialized"))
		return
	}
	fn(m)
}

// HealthHandler serves /health using the process-wide manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, func(m *HealthManager) { m.HealthHandler(w, r) })
}

// LivenessHandler serves /health/live using the process-wide manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, func(m *HealthManager) { m.LivenessHandler(w, r) })
}

// ReadinessHandler serves /health/ready using the process-wide manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, func(m *HealthManager) { m.ReadinessHandler(w, r) })
}

// StartupHandler serves /health/startup using the process-wide manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, func(m *HealthManager) { m.StartupHandler(w, r) })
}
