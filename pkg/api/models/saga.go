// Package models defines HTTP request and response payloads.
package models

import (
	"time"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// StartSagaRequest starts a new instance of a registered definition.
type StartSagaRequest struct {
	Definition string         `json:"definition" validate:"required,min=1,max=100"`
	SagaID     string         `json:"saga_id,omitempty" validate:"omitempty,uuid4"`
	Input      map[string]any `json:"input,omitempty"`
}

// StartSagaResponse is returned when a saga is accepted for execution.
type StartSagaResponse struct {
	SagaID     string    `json:"saga_id"`
	Definition string    `json:"definition"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// SagaStatusResponse returns current runtime information for one saga instance.
type SagaStatusResponse struct {
	SagaID        string             `json:"saga_id"`
	Definition    string             `json:"definition"`
	Status        string             `json:"status"`
	Committed     []string           `json:"committed_steps"`
	Compensated   []string           `json:"compensated_steps"`
	Unresolved    []saga.StepFailure `json:"unresolved_compensations,omitempty"`
	FailedStep    string             `json:"failed_step,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	StepResults   map[string]any     `json:"step_results,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// NewSagaStatusResponse maps a saga instance to its API representation.
func NewSagaStatusResponse(instance *saga.Instance) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:        instance.ID,
		Definition:    instance.DefinitionName,
		Status:        instance.Status.String(),
		Committed:     append([]string(nil), instance.Committed...),
		Compensated:   append([]string(nil), instance.Compensated...),
		Unresolved:    append([]saga.StepFailure(nil), instance.Unresolved...),
		FailedStep:    instance.FailedStep,
		FailureReason: instance.FailureReason,
		StepResults:   instance.StepResults,
		CreatedAt:     instance.CreatedAt,
		UpdatedAt:     instance.UpdatedAt,
		StartedAt:     instance.StartedAt,
		CompletedAt:   instance.CompletedAt,
	}
}

// SagaSummary is one row in a list response.
type SagaSummary struct {
	SagaID      string     `json:"saga_id"`
	Definition  string     `json:"definition"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SagaListResponse is a paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SagaActionResponse is returned by resume operations.
type SagaActionResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// DefinitionSummary describes one registered saga definition.
type DefinitionSummary struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// DefinitionListResponse lists registered saga definitions.
type DefinitionListResponse struct {
	Items []DefinitionSummary `json:"items"`
}
