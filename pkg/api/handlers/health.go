package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/version"
)

// ReadyCheck reports whether a dependency is ready to serve.
type ReadyCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	startedAt time.Time
	checks    map[string]ReadyCheck
}

// NewHealthHandler creates a health handler with named readiness checks.
func NewHealthHandler(checks map[string]ReadyCheck) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now().UTC(),
		checks:    checks,
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe). It fails when any
// registered dependency check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":    false,
			"failures": failures,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"version":        version.Info(),
	})
}
