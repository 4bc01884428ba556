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

func TestHealthAlwaysOK(t *testing.T) {
	handler := NewHealthHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestReadyAllChecksPass(t *testing.T) {
	handler := NewHealthHandler(map[string]ReadyCheck{
		"store": func(ctx context.Context) error { return nil },
		"bus":   func(ctx context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	handler.Ready(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body["ready"])
}

func TestReadyReportsFailures(t *testing.T) {
	handler := NewHealthHandler(map[string]ReadyCheck{
		"store": func(ctx context.Context) error { return errors.New("connection refused") },
		"bus":   func(ctx context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	handler.Ready(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready    bool              `json:"ready"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "connection refused", body.Failures["store"])
	assert.NotContains(t, body.Failures, "bus")
}

func TestStatusIncludesVersionAndUptime(t *testing.T) {
	handler := NewHealthHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.Status(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "version")
}
