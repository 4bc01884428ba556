package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CoordinatorOption customizes Coordinator initialization.
type CoordinatorOption func(c *Coordinator)

// WithStore wires persistent instance storage. Defaults to an in-memory store.
func WithStore(store Store) CoordinatorOption {
	return func(c *Coordinator) {
		if store != nil {
			c.store = store
			c.sweeper.store = store
		}
	}
}

// WithWAL wires write-ahead logging of step lifecycle events.
func WithWAL(wal WAL) CoordinatorOption {
	return func(c *Coordinator) {
		c.wal = wal
		c.sweeper.wal = wal
	}
}

// WithIdempotencyStore wires the compensation idempotency store.
func WithIdempotencyStore(store IdempotencyStore) CoordinatorOption {
	return func(c *Coordinator) {
		if store != nil {
			c.sweeper.idempotency = store
		}
	}
}

// WithPublisher wires lifecycle event publishing.
func WithPublisher(publisher Publisher) CoordinatorOption {
	return func(c *Coordinator) {
		if publisher != nil {
			c.events = publisher
			c.sweeper.events = publisher
		}
	}
}

// WithMetrics wires runtime metrics recording.
func WithMetrics(recorder MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		if recorder != nil {
			c.metrics = recorder
			c.sweeper.metrics = recorder
		}
	}
}

// WithMaxConcurrentSagas bounds concurrently executing instances.
func WithMaxConcurrentSagas(max int) CoordinatorOption {
	return func(c *Coordinator) {
		if max > 0 {
			c.sema = make(chan struct{}, max)
		}
	}
}

// Coordinator executes saga definitions: forward steps in order, compensation
// in reverse commit order on failure, with durable progress tracking so
// interrupted instances can be resumed. Each instance runs on a single
// logical thread of control; independent instances run concurrently.
type Coordinator struct {
	mu          sync.RWMutex
	definitions map[string]*Definition

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	store   Store
	wal     WAL
	events  Publisher
	metrics MetricsRecorder
	sweeper *Sweeper
	sema    chan struct{}
}

// NewCoordinator creates a saga coordinator.
func NewCoordinator(options ...CoordinatorOption) *Coordinator {
	store := NewMemoryStore()
	c := &Coordinator{
		definitions: make(map[string]*Definition),
		inflight:    make(map[string]struct{}),
		store:       store,
		events:      nopPublisher{},
		metrics:     nopMetricsRecorder{},
		sweeper:     NewSweeper(nil, nil),
		sema:        make(chan struct{}, 100),
	}
	c.sweeper.store = store
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Register adds a definition to the coordinator's registry, validating it
// first. Registering the same name twice is an error.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Name]; exists {
		return fmt.Errorf("saga: definition %q already registered", def.Name)
	}
	c.definitions[def.Name] = def.clone()
	return nil
}

// Definition returns a registered definition by name.
func (c *Coordinator) Definition(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return def, nil
}

// DefinitionNames lists registered definition names.
func (c *Coordinator) DefinitionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		names = append(names, name)
	}
	return names
}

// Start runs a saga from a registered definition to a terminal state and
// returns the final instance. The definition is registered on first use.
func (c *Coordinator) Start(ctx context.Context, def *Definition, input any) (*Instance, error) {
	return c.StartWithID(ctx, uuid.NewString(), def, input)
}

// StartWithID runs a saga using a caller-provided instance ID.
func (c *Coordinator) StartWithID(ctx context.Context, sagaID string, def *Definition, input any) (*Instance, error) {
	if def == nil {
		return nil, fmt.Errorf("saga: definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c.ensureRegistered(def)

	if err := c.acquireInstance(sagaID); err != nil {
		return nil, err
	}
	defer c.releaseInstance(sagaID)

	select {
	case c.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sema }()

	// Starting under a persisted ID would re-run forward actions and regress
	// a terminal record; that path belongs to Resume alone.
	switch _, err := c.store.Get(ctx, sagaID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrInstanceExists, sagaID)
	case !errors.Is(err, ErrInstanceNotFound):
		return nil, fmt.Errorf("saga: check for existing instance: %w", err)
	}

	instance := NewInstance(sagaID, def, input)
	if err := c.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("saga: persist new instance: %w", err)
	}
	if err := instance.TransitionTo(StatusRunning); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("saga: persist running instance: %w", err)
	}
	c.publish(ctx, instance, EventInstanceStarted, "", "")

	return c.runForward(ctx, def, instance)
}

// Resume continues a persisted instance from its last recorded progress:
// forward execution for a running instance, the compensation sweep for a
// compensating one. Committed forward actions are never re-run.
func (c *Coordinator) Resume(ctx context.Context, sagaID string) (*Instance, error) {
	// Claim the instance before reading it so an overlapping execution's
	// terminal save is visible, never raced.
	if err := c.acquireInstance(sagaID); err != nil {
		return nil, err
	}
	defer c.releaseInstance(sagaID)

	instance, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if instance.Status.IsTerminal() {
		return instance, nil
	}

	def, err := c.Definition(instance.DefinitionName)
	if err != nil {
		return nil, err
	}

	select {
	case c.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sema }()

	switch instance.Status {
	case StatusPending:
		if err := instance.TransitionTo(StatusRunning); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("saga: persist resumed instance: %w", err)
		}
		c.metrics.RecordSagaRecovery("forward")
		return c.runForward(ctx, def, instance)
	case StatusRunning:
		// A crash between action success and state save leaves the step
		// uncommitted; the forward action runs again and must be idempotent.
		c.metrics.RecordSagaRecovery("forward")
		return c.runForward(ctx, def, instance)
	case StatusCompensating:
		c.metrics.RecordSagaRecovery("compensation")
		cause := errors.New(instance.FailureReason)
		return c.finishCompensation(ctx, def, instance, cause)
	default:
		return instance, nil
	}
}

// acquireInstance claims exclusive execution of one instance ID. No two
// executions of the same instance may overlap; the claim is taken before any
// store access and held until the Start or Resume call returns.
func (c *Coordinator) acquireInstance(sagaID string) error {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[sagaID]; busy {
		return fmt.Errorf("%w: %s", ErrExecutionInProgress, sagaID)
	}
	c.inflight[sagaID] = struct{}{}
	return nil
}

func (c *Coordinator) releaseInstance(sagaID string) {
	c.inflightMu.Lock()
	delete(c.inflight, sagaID)
	c.inflightMu.Unlock()
}

// Executing reports whether this coordinator currently holds an execution
// claim for the instance.
func (c *Coordinator) Executing(sagaID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	_, busy := c.inflight[sagaID]
	return busy
}

// GetInstance returns a snapshot of one instance by ID.
func (c *Coordinator) GetInstance(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// ListInstances lists instances with optional status filter and pagination.
func (c *Coordinator) ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	return c.store.List(ctx, filter)
}

func (c *Coordinator) runForward(ctx context.Context, def *Definition, instance *Instance) (*Instance, error) {
	start := time.Now()
	c.metrics.IncActiveSagas()
	defer c.metrics.DecActiveSagas()

	fwdCtx, span := sagaTracer().Start(ctx, spanForwardPhase,
		trace.WithAttributes(
			attribute.String("saga.id", instance.ID),
			attribute.String("saga.definition", def.Name),
		))
	defer span.End()

	for idx := instance.NextStep; idx < len(def.Steps); idx++ {
		// Cancellation is cooperative: honored between steps only, never by
		// aborting an action already in flight.
		if err := fwdCtx.Err(); err != nil {
			return c.compensate(ctx, def, instance, def.Steps[idx].Name, err, start)
		}

		step := def.Steps[idx]
		result, err := c.executeStep(fwdCtx, def, instance, step)
		if err != nil {
			return c.compensate(ctx, def, instance, step.Name, err, start)
		}

		instance.MarkStepCommitted(step.Name, result)
		instance.NextStep = idx + 1
		if err := c.store.Save(fwdCtx, instance); err != nil {
			// The step's effect happened but its commit record did not become
			// durable; compensate it along with everything before it.
			persistErr := fmt.Errorf("saga: persist commit of step %q: %w", step.Name, err)
			return c.compensate(ctx, def, instance, step.Name, persistErr, start)
		}
		c.publish(fwdCtx, instance, EventStepCommitted, step.Name, "")
	}

	if err := instance.TransitionTo(StatusCompleted); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("saga: persist completed instance: %w", err)
	}
	c.publish(ctx, instance, EventInstanceCompleted, "", "")
	c.metrics.RecordSagaExecution(instance.Status.String())
	c.metrics.RecordSagaDuration(instance.Status.String(), time.Since(start))
	return instance, nil
}

func (c *Coordinator) executeStep(ctx context.Context, def *Definition, instance *Instance, step *Step) (any, error) {
	if err := c.writeWAL(ctx, WALEntry{
		SagaID: instance.ID,
		Step:   step.Name,
		Type:   WALEntryStepStarted,
	}); err != nil {
		return nil, err
	}

	stepCtx, span := sagaTracer().Start(ctx, spanForwardStep,
		trace.WithAttributes(attribute.String("saga.step", step.Name)))
	defer span.End()

	cancel := context.CancelFunc(func() {})
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(stepCtx, step.Timeout)
	} else if def.DefaultStepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(stepCtx, def.DefaultStepTimeout)
	}
	defer cancel()

	// A nil error from the action means the step's effect is in place and the
	// step commits, even if the context expired while it was returning.
	result, err := step.Action(stepCtx, &StepContext{
		SagaID:  instance.ID,
		Step:    step.Name,
		Input:   instance.Input,
		Results: copyResultMap(instance.StepResults),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Step: step.Name, Phase: "forward"}
		} else {
			err = &ForwardStepError{Step: step.Name, Err: err}
		}
		_ = c.writeWAL(ctx, WALEntry{
			SagaID: instance.ID,
			Step:   step.Name,
			Type:   WALEntryStepFailed,
			Data:   []byte(err.Error()),
		})
		c.publish(ctx, instance, EventStepFailed, step.Name, err.Error())
		return nil, err
	}

	if err := c.writeWAL(ctx, WALEntry{
		SagaID: instance.ID,
		Step:   step.Name,
		Type:   WALEntryStepCommitted,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) compensate(
	ctx context.Context,
	def *Definition,
	instance *Instance,
	failedStep string,
	cause error,
	start time.Time,
) (*Instance, error) {
	instance.SetFailure(failedStep, cause)
	if err := instance.TransitionTo(StatusCompensating); err != nil {
		return nil, err
	}
	// The sweep must run even when the forward context expired or was
	// cancelled; committed effects still need to be reversed.
	sweepCtx := context.WithoutCancel(ctx)
	if err := c.store.Save(sweepCtx, instance); err != nil {
		return nil, fmt.Errorf("saga: persist compensating instance: %w", err)
	}

	result, err := c.finishCompensation(sweepCtx, def, instance, cause)
	c.metrics.RecordSagaDuration(instance.Status.String(), time.Since(start))
	if err != nil {
		return result, err
	}
	return result, cause
}

func (c *Coordinator) finishCompensation(ctx context.Context, def *Definition, instance *Instance, cause error) (*Instance, error) {
	sweepErr := c.sweeper.Execute(ctx, def, instance, cause)
	if sweepErr != nil {
		var compErr *CompensationError
		if errors.As(sweepErr, &compErr) {
			instance.Unresolved = compErr.Failed
		}
		if err := instance.TransitionTo(StatusFailed); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("saga: persist failed instance: %w", err)
		}
		c.publish(ctx, instance, EventInstanceFailed, "", instance.FailureReason)
		c.metrics.RecordSagaExecution(instance.Status.String())
		return instance, errors.Join(cause, sweepErr)
	}

	if err := instance.TransitionTo(StatusCompensated); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("saga: persist compensated instance: %w", err)
	}
	c.publish(ctx, instance, EventInstanceCompensated, "", instance.FailureReason)
	c.metrics.RecordSagaExecution(instance.Status.String())
	return instance, nil
}

func (c *Coordinator) ensureRegistered(def *Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Name]; !exists {
		c.definitions[def.Name] = def.clone()
	}
}

func (c *Coordinator) publish(ctx context.Context, instance *Instance, eventType EventType, step, reason string) {
	c.events.Publish(ctx, Event{
		Type:       eventType,
		SagaID:     instance.ID,
		Definition: instance.DefinitionName,
		Step:       step,
		Status:     instance.Status.String(),
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (c *Coordinator) writeWAL(ctx context.Context, entry WALEntry) error {
	if c.wal == nil {
		return nil
	}
	_, err := c.wal.Append(ctx, entry)
	return err
}
