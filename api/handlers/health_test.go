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
	"go.uber.org/zap"
)

func TestHandleHealth(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHandleHealthz(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReady_AllPass(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewPingHealthCheck("redis", func(ctx context.Context) error { return nil }))
	h.RegisterCheck(NewPingHealthCheck("vector_store", func(ctx context.Context) error { return nil }))

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	require.Len(t, status.Checks, 2)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
	assert.Equal(t, "pass", status.Checks["vector_store"].Status)
}

func TestHandleReady_OneFails(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewPingHealthCheck("redis", func(ctx context.Context) error { return nil }))
	h.RegisterCheck(NewPingHealthCheck("vector_store", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["vector_store"].Status)
	assert.Equal(t, "connection refused", status.Checks["vector_store"].Message)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
}

func TestHandleReady_NoChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
