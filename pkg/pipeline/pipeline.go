package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FailurePolicy controls how a run reacts to a failing stage.
type FailurePolicy string

const (
	// Halt aborts the run at the first failing stage. Default.
	Halt FailurePolicy = "halt"
	// Skip passes a failing stage's input through unchanged to the next
	// stage. Requires every stage to have identical input and output types.
	Skip FailurePolicy = "skip"
)

const pipelineTracerName = "sagaflow.pipeline"

// MetricsRecorder records pipeline run metrics.
type MetricsRecorder interface {
	RecordPipelineRun(pipeline, status string, duration time.Duration)
	RecordStageFailure(pipeline, stage string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordPipelineRun(string, string, time.Duration) {}
func (nopMetricsRecorder) RecordStageFailure(string, string)              {}

// Option customizes pipeline construction.
type Option func(p *Pipeline)

// WithMetrics wires run metrics recording.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(p *Pipeline) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

// Pipeline is an immutable, type-checked chain of stages. A pipeline carries
// no run state; independent runs may execute concurrently.
type Pipeline struct {
	name    string
	policy  FailurePolicy
	stages  []BoundStage
	metrics MetricsRecorder
}

// New builds a pipeline from bound stages, verifying that each stage's output
// type matches the next stage's input type. Mismatches fail here, before any
// run.
func New(name string, policy FailurePolicy, stages []BoundStage, options ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyPipeline
	}
	switch policy {
	case "", Halt:
		policy = Halt
	case Skip:
		// Skipping substitutes a stage's input for its output, so the two
		// types must coincide for the chain to stay sound.
		for _, stage := range stages {
			if stage.InputType() != stage.OutputType() {
				return nil, fmt.Errorf("pipeline: skip policy requires stage %q to have identical input and output types (%s != %s)",
					stage.Name(), stage.InputType(), stage.OutputType())
			}
		}
	default:
		return nil, fmt.Errorf("pipeline: unknown failure policy %q", policy)
	}

	for i := 1; i < len(stages); i++ {
		if stages[i-1].OutputType() != stages[i].InputType() {
			return nil, &TypeMismatchError{
				Stage:    stages[i].Name(),
				Previous: stages[i-1].Name(),
				Expected: stages[i].InputType(),
				Actual:   stages[i-1].OutputType(),
			}
		}
	}

	p := &Pipeline{
		name:    name,
		policy:  policy,
		stages:  append([]BoundStage(nil), stages...),
		metrics: nopMetricsRecorder{},
	}
	for _, option := range options {
		if option != nil {
			option(p)
		}
	}
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Policy returns the configured failure policy.
func (p *Pipeline) Policy() FailurePolicy { return p.policy }

// StageNames returns the stage names in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.stages))
	for _, stage := range p.stages {
		names = append(names, stage.Name())
	}
	return names
}

// Execute runs every stage in sequence, feeding each stage's output to the
// next. Under Halt the first failure aborts the run; under Skip a failing
// stage's input passes through unchanged.
func (p *Pipeline) Execute(ctx context.Context, input any) (any, error) {
	start := time.Now()
	ctx, span := otel.Tracer(pipelineTracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("pipeline.name", p.name)))
	defer span.End()

	value := input
	for i, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			p.metrics.RecordPipelineRun(p.name, "cancelled", time.Since(start))
			return nil, err
		}

		output, err := stage.run(ctx, value)
		if err != nil {
			p.metrics.RecordStageFailure(p.name, stage.Name())
			if p.policy == Skip {
				continue
			}
			p.metrics.RecordPipelineRun(p.name, "failed", time.Since(start))
			return nil, &StageError{Index: i, Stage: stage.Name(), Err: err}
		}
		value = output
	}

	p.metrics.RecordPipelineRun(p.name, "completed", time.Since(start))
	return value, nil
}

// Run executes a pipeline with typed input and output, verifying both ends
// against the stage chain at construction-checked boundaries.
func Run[I, O any](ctx context.Context, p *Pipeline, input I) (O, error) {
	var zero O
	result, err := p.Execute(ctx, input)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(O)
	if !ok {
		return zero, fmt.Errorf("pipeline: result type %T does not match requested type", result)
	}
	return typed, nil
}
