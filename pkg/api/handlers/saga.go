// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/api/models"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// SagaHandler handles saga API endpoints.
type SagaHandler struct {
	coordinator *saga.Coordinator
	logger      logger.Logger
	validator   *validator.Validate
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(coordinator *saga.Coordinator, log logger.Logger) *SagaHandler {
	return &SagaHandler{
		coordinator: coordinator,
		logger:      log,
		validator:   validator.New(),
	}
}

// StartSaga handles POST /api/v1/sagas. Execution is asynchronous: the
// response acknowledges acceptance, not completion.
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga coordinator unavailable", requestID(r))
		return
	}

	var req models.StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID(r))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), requestID(r))
		return
	}

	def, err := h.coordinator.Definition(req.Definition)
	if err != nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "definition not registered: "+req.Definition, requestID(r))
		return
	}

	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = uuid.NewString()
	}
	if _, err := h.coordinator.GetInstance(r.Context(), sagaID); err == nil {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "saga id already in use", requestID(r))
		return
	}

	input := any(req.Input)
	go func() {
		_, execErr := h.coordinator.StartWithID(context.Background(), sagaID, def, input)
		if execErr != nil && h.logger != nil {
			h.logger.Warn("saga execution finished with error", "saga_id", sagaID, "error", execErr)
		}
	}()

	response.JSON(w, http.StatusAccepted, models.StartSagaResponse{
		SagaID:     sagaID,
		Definition: def.Name,
		Status:     saga.StatusPending.String(),
		AcceptedAt: time.Now().UTC(),
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga coordinator unavailable", requestID(r))
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID(r))
		return
	}

	instance, err := h.coordinator.GetInstance(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrInstanceNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", requestID(r))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), requestID(r))
		return
	}

	response.JSON(w, http.StatusOK, models.NewSagaStatusResponse(instance))
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga coordinator unavailable", requestID(r))
		return
	}

	limit := 20
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	instances, total, err := h.coordinator.ListInstances(r.Context(), saga.ListFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), requestID(r))
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, instance := range instances {
		items = append(items, models.SagaSummary{
			SagaID:      instance.ID,
			Definition:  instance.DefinitionName,
			Status:      instance.Status.String(),
			CreatedAt:   instance.CreatedAt,
			CompletedAt: instance.CompletedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// ResumeSaga handles POST /api/v1/sagas/{id}/resume. Like StartSaga, the
// resumed execution runs asynchronously.
func (h *SagaHandler) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga coordinator unavailable", requestID(r))
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID(r))
		return
	}

	instance, err := h.coordinator.GetInstance(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrInstanceNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", requestID(r))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), requestID(r))
		return
	}
	if instance.Status.IsTerminal() {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "saga is already in terminal state", requestID(r))
		return
	}
	if h.coordinator.Executing(sagaID) {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "saga execution already in progress", requestID(r))
		return
	}
	if _, err := h.coordinator.Definition(instance.DefinitionName); err != nil {
		response.Error(w, http.StatusConflict, response.ErrCodeConflict, "definition no longer registered: "+instance.DefinitionName, requestID(r))
		return
	}

	go func() {
		_, resumeErr := h.coordinator.Resume(context.Background(), sagaID)
		if resumeErr != nil && h.logger != nil {
			h.logger.Warn("saga resume finished with error", "saga_id", sagaID, "error", resumeErr)
		}
	}()

	response.JSON(w, http.StatusAccepted, models.SagaActionResponse{
		SagaID: sagaID,
		Status: instance.Status.String(),
	})
}

// ListDefinitions handles GET /api/v1/definitions.
func (h *SagaHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga coordinator unavailable", requestID(r))
		return
	}

	names := h.coordinator.DefinitionNames()
	items := make([]models.DefinitionSummary, 0, len(names))
	for _, name := range names {
		def, err := h.coordinator.Definition(name)
		if err != nil {
			continue
		}
		steps := make([]string, 0, len(def.Steps))
		for _, step := range def.Steps {
			steps = append(steps, step.Name)
		}
		items = append(items, models.DefinitionSummary{Name: def.Name, Steps: steps})
	}

	response.JSON(w, http.StatusOK, models.DefinitionListResponse{Items: items})
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}
