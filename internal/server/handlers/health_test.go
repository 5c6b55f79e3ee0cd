package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ok", stubChecker{err: nil})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["ok"])
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("store", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "expected checks in error details")
	assert.Equal(t, "unhealthy", checks["store"])
}

func TestHealthHandlerTimeoutIsDegraded(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("slow", HealthCheckerFunc(func(ctx context.Context) error {
		return context.DeadlineExceeded
	}))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	assert.Equal(t, "healthy", manager.determineOverallStatus(nil))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"db": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{"db": "timeout", "s3": "unhealthy"}))
}

func TestLivenessSkipsChecks(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGlobalHandlers(t *testing.T) {
	original := GetHealthManager()
	defer func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	}()

	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m := InitHealthManager("test-version")
	assert.Same(t, m, GetHealthManager())

	for _, h := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
