package saga

import (
	"fmt"
	"time"
)

// Status defines the lifecycle of a saga instance.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCompensating
	StatusCompensated
	StatusFailed
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusCompleted:    {},
		StatusCompensating: {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// String returns the string form of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCompensating:
		return "compensating"
	case StatusCompensated:
		return "compensated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("saga: invalid status transition: %s -> %s", current, next)
	}
	return nil
}

// Instance is the runtime state of one saga execution against one business
// entity. It is owned exclusively by the coordinator and persisted through
// the store for crash recovery.
type Instance struct {
	ID             string         `json:"id"`
	DefinitionName string         `json:"definition"`
	Status         Status         `json:"status"`
	NextStep       int            `json:"next_step"`
	Committed      []string       `json:"committed"`
	Compensated    []string       `json:"compensated"`
	Unresolved     []StepFailure  `json:"unresolved,omitempty"`
	FailedStep     string         `json:"failed_step,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Input          any            `json:"input,omitempty"`
	StepResults    map[string]any `json:"step_results,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// NewInstance creates a pending instance for one definition.
func NewInstance(id string, def *Definition, input any) *Instance {
	now := time.Now().UTC()
	name := ""
	if def != nil {
		name = def.Name
	}
	return &Instance{
		ID:             id,
		DefinitionName: name,
		Status:         StatusPending,
		Committed:      make([]string, 0),
		Compensated:    make([]string, 0),
		StepResults:    make(map[string]any),
		Input:          input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo applies a status transition.
func (i *Instance) TransitionTo(next Status) error {
	if i == nil {
		return fmt.Errorf("saga: instance cannot be nil")
	}
	if err := ValidateTransition(i.Status, next); err != nil {
		return err
	}

	now := time.Now().UTC()
	if i.Status == StatusPending && next == StatusRunning {
		started := now
		i.StartedAt = &started
	}
	if next.IsTerminal() {
		done := now
		i.CompletedAt = &done
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// MarkStepCommitted appends a step to the commit record and stores its
// output. The commit record, not the definition, dictates compensation order.
func (i *Instance) MarkStepCommitted(step string, result any) {
	if i == nil {
		return
	}
	i.Committed = append(i.Committed, step)
	if i.StepResults == nil {
		i.StepResults = make(map[string]any)
	}
	i.StepResults[step] = result
	i.UpdatedAt = time.Now().UTC()
}

// MarkStepCompensated records a completed compensation.
func (i *Instance) MarkStepCompensated(step string) {
	if i == nil {
		return
	}
	i.Compensated = append(i.Compensated, step)
	i.UpdatedAt = time.Now().UTC()
}

// HasCompensated reports whether the step's compensation already completed.
func (i *Instance) HasCompensated(step string) bool {
	for _, name := range i.Compensated {
		if name == step {
			return true
		}
	}
	return false
}

// SetFailure records the failed step and error details.
func (i *Instance) SetFailure(step string, err error) {
	if i == nil {
		return
	}
	i.FailedStep = step
	if err != nil {
		i.FailureReason = err.Error()
	}
	i.UpdatedAt = time.Now().UTC()
}

func cloneInstance(instance *Instance) *Instance {
	if instance == nil {
		return nil
	}

	committed := make([]string, len(instance.Committed))
	copy(committed, instance.Committed)
	compensated := make([]string, len(instance.Compensated))
	copy(compensated, instance.Compensated)
	unresolved := make([]StepFailure, len(instance.Unresolved))
	copy(unresolved, instance.Unresolved)

	clone := &Instance{
		ID:             instance.ID,
		DefinitionName: instance.DefinitionName,
		Status:         instance.Status,
		NextStep:       instance.NextStep,
		Committed:      committed,
		Compensated:    compensated,
		Unresolved:     unresolved,
		FailedStep:     instance.FailedStep,
		FailureReason:  instance.FailureReason,
		Input:          instance.Input,
		StepResults:    copyResultMap(instance.StepResults),
		CreatedAt:      instance.CreatedAt,
		UpdatedAt:      instance.UpdatedAt,
	}
	if instance.StartedAt != nil {
		started := *instance.StartedAt
		clone.StartedAt = &started
	}
	if instance.CompletedAt != nil {
		finished := *instance.CompletedAt
		clone.CompletedAt = &finished
	}
	return clone
}

func copyResultMap(source map[string]any) map[string]any {
	if len(source) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(source))
	for k, v := range source {
		copied[k] = v
	}
	return copied
}
