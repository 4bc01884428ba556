package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sagaflow/sagaflow/pkg/api/models"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/pipeline"
)

// PipelineHandler handles pipeline API endpoints. Pipelines are registered
// at startup; runs execute synchronously within the request.
type PipelineHandler struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	logger    logger.Logger
}

// NewPipelineHandler creates a pipeline handler.
func NewPipelineHandler(log logger.Logger) *PipelineHandler {
	return &PipelineHandler{
		pipelines: make(map[string]*pipeline.Pipeline),
		logger:    log,
	}
}

// Register makes a pipeline runnable over the API.
func (h *PipelineHandler) Register(p *pipeline.Pipeline) error {
	if p == nil {
		return errors.New("pipeline cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pipelines[p.Name()]; exists {
		return errors.New("pipeline already registered: " + p.Name())
	}
	h.pipelines[p.Name()] = p
	return nil
}

func (h *PipelineHandler) lookup(name string) *pipeline.Pipeline {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pipelines[name]
}

// RunPipeline handles POST /api/v1/pipelines/{name}/run.
func (h *PipelineHandler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p := h.lookup(name)
	if p == nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "pipeline not found: "+name, requestID(r))
		return
	}

	var req models.PipelineRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID(r))
		return
	}

	start := time.Now()
	output, err := p.Execute(r.Context(), req.Input)
	if err != nil {
		h.writeRunError(w, r, name, err)
		return
	}

	response.JSON(w, http.StatusOK, models.PipelineRunResponse{
		Pipeline:   name,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// ListPipelines handles GET /api/v1/pipelines.
func (h *PipelineHandler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	items := make([]models.PipelineSummary, 0, len(h.pipelines))
	for _, p := range h.pipelines {
		items = append(items, models.PipelineSummary{
			Name:   p.Name(),
			Policy: string(p.Policy()),
			Stages: p.StageNames(),
		})
	}
	h.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	response.JSON(w, http.StatusOK, models.PipelineListResponse{Items: items})
}

func (h *PipelineHandler) writeRunError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if h.logger != nil {
		h.logger.Warn("pipeline run failed", "pipeline", name, "error", err)
	}

	var mismatch *pipeline.TypeMismatchError
	if errors.As(err, &mismatch) {
		// JSON inputs arrive untyped; a mismatch at the first stage is a
		// caller problem, not a server one.
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID(r))
		return
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		response.ErrorWithDetails(w, http.StatusUnprocessableEntity, response.ErrCodeUnprocessable, err.Error(), map[string]interface{}{
			"stage": stageErr.Stage,
			"index": stageErr.Index,
		}, requestID(r))
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout, "pipeline run cancelled", requestID(r))
		return
	}

	response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), requestID(r))
}
