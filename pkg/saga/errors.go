package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateStepName is returned when a definition declares two steps
	// with the same name.
	ErrDuplicateStepName = errors.New("saga: duplicate step name")

	// ErrEmptyDefinition is returned when a definition declares no steps.
	ErrEmptyDefinition = errors.New("saga: definition must contain at least one step")

	// ErrInstanceNotFound is returned when a saga instance cannot be located.
	ErrInstanceNotFound = errors.New("saga: instance not found")

	// ErrDefinitionNotFound is returned when resuming an instance whose
	// definition is not registered with the coordinator.
	ErrDefinitionNotFound = errors.New("saga: definition not found")

	// ErrInstanceExists is returned when starting a saga under an ID that is
	// already persisted. Resume is the path for continuing an existing
	// instance; Start never overwrites one.
	ErrInstanceExists = errors.New("saga: instance already exists")

	// ErrExecutionInProgress is returned when a start or resume is requested
	// for an instance this coordinator is already executing.
	ErrExecutionInProgress = errors.New("saga: instance execution already in progress")
)

// ForwardStepError reports a business-level rejection from a participant
// during forward execution.
type ForwardStepError struct {
	Step string
	Err  error
}

func (e *ForwardStepError) Error() string {
	return fmt.Sprintf("saga: forward step %q failed: %v", e.Step, e.Err)
}

func (e *ForwardStepError) Unwrap() error { return e.Err }

// TimeoutError reports that a forward or compensation action did not resolve
// within its allotted window. It unwraps to context.DeadlineExceeded so callers
// can match it with errors.Is.
type TimeoutError struct {
	Step  string
	Phase string // "forward" or "compensation"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("saga: %s action for step %q timed out", e.Phase, e.Step)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// StepFailure identifies one compensation that did not complete.
type StepFailure struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// CompensationError reports the steps whose compensation did not complete
// after a best-effort sweep. The sweep itself never stops at the first
// failure; this error is the aggregate outcome.
type CompensationError struct {
	Failed []StepFailure
}

func (e *CompensationError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Step)
	}
	return fmt.Sprintf("saga: compensation incomplete for steps [%s]", strings.Join(names, ", "))
}

// Steps returns the names of steps with unresolved compensations.
func (e *CompensationError) Steps() []string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Step)
	}
	return names
}
