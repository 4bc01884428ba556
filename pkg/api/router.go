// Package api provides HTTP API server components.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga handles saga lifecycle endpoints
	Saga *handlers.SagaHandler

	// Pipeline handles pipeline run endpoints
	Pipeline *handlers.PipelineHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Events streams saga lifecycle events over websocket
	Events *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// RateLimiter is the optional per-client request limiter
	RateLimiter *middleware.RateLimiter
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}
	if handlers.RateLimiter != nil && cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(handlers.RateLimiter))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))

	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Post("/", handlers.Saga.StartSaga)
				r.Get("/", handlers.Saga.ListSagas)
				r.Get("/{id}", handlers.Saga.GetSaga)
				r.Post("/{id}/resume", handlers.Saga.ResumeSaga)
			})
			r.Get("/definitions", handlers.Saga.ListDefinitions)
		}

		if handlers.Pipeline != nil {
			r.Route("/pipelines", func(r chi.Router) {
				r.Get("/", handlers.Pipeline.ListPipelines)
				r.Post("/{name}/run", handlers.Pipeline.RunPipeline)
			})
		}

		if handlers.Events != nil {
			r.Get("/events/ws", handlers.Events.ServeHTTP)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}
