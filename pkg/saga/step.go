// Package saga provides orchestration-based distributed transaction primitives:
// ordered forward steps with compensating rollback, durable instance state, and
// crash recovery.
package saga

import (
	"context"
	"time"
)

// ActionFunc executes the forward operation of a step against a participant.
// Actions are invoked with at-least-once semantics and must be idempotent.
type ActionFunc func(ctx context.Context, stepCtx *StepContext) (any, error)

// CompensationFunc reverses the effect of a previously committed step.
// Compensations are best-effort and must tolerate redelivery.
type CompensationFunc func(ctx context.Context, compCtx *CompensationContext) error

// StepContext carries runtime information for forward step execution.
type StepContext struct {
	SagaID  string
	Step    string
	Input   any
	Results map[string]any
}

// CompensationContext carries runtime information for compensation execution.
type CompensationContext struct {
	SagaID     string
	Step       string
	FailedStep string
	Failure    error
	Input      any
	Result     any
	AllResults map[string]any
}

// Step is one executable unit in a saga definition. Steps are immutable once
// composed into a Definition.
type Step struct {
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc
	Timeout      time.Duration
}

// StepOption configures a step during definition building.
type StepOption func(step *Step) error

// Action configures the forward action function.
func Action(fn ActionFunc) StepOption {
	return func(step *Step) error {
		step.Action = fn
		return nil
	}
}

// Compensate configures the compensation function.
func Compensate(fn CompensationFunc) StepOption {
	return func(step *Step) error {
		step.Compensation = fn
		return nil
	}
}

// StepTimeout configures a per-step timeout overriding the definition default.
func StepTimeout(timeout time.Duration) StepOption {
	return func(step *Step) error {
		step.Timeout = timeout
		return nil
	}
}
