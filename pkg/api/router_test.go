package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

func testRouterLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "json", Output: "stdout"})
}

func newTestRouter(t *testing.T, mutate func(*config.Config, *Handlers)) http.Handler {
	t.Helper()

	cfg := config.DefaultConfig()
	h := &Handlers{
		Health: handlers.NewHealthHandler(nil),
	}
	if mutate != nil {
		mutate(cfg, h)
	}
	return NewRouter(cfg, testRouterLogger(), h)
}

func TestRouterHealthRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, path := range []string{"/health", "/ready", "/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "GET %s", path)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterSetsRequestID(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouterRateLimit(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config, h *Handlers) {
		cfg.Server.RateLimit.Enabled = true
		h.RateLimiter = middleware.NewRateLimiter(1, 1)
	})

	first := httptest.NewRequest(http.MethodGet, "/health", nil)
	first.RemoteAddr = "10.0.0.1:50000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodGet, "/health", nil)
	second.RemoteAddr = "10.0.0.1:50001"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, second)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client has its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.RemoteAddr = "10.0.0.2:50000"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterCORSPreflight(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config, h *Handlers) {
		cfg.Server.CORS.Enabled = true
		cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sagas", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterHealthBody(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
