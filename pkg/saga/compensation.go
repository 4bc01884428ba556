package saga

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IdempotencyStore tracks compensations that already completed, so a resumed
// sweep tolerates at-least-once invocation.
type IdempotencyStore interface {
	Seen(key string) bool
	Mark(key string)
}

// InMemoryIdempotencyStore is a thread-safe idempotency store.
type InMemoryIdempotencyStore struct {
	store sync.Map
}

// NewInMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{}
}

// Seen checks whether a key was already recorded.
func (s *InMemoryIdempotencyStore) Seen(key string) bool {
	_, ok := s.store.Load(key)
	return ok
}

// Mark records one idempotency key.
func (s *InMemoryIdempotencyStore) Mark(key string) {
	s.store.Store(key, struct{}{})
}

// IdempotencyKey builds the key for one compensation operation.
func IdempotencyKey(sagaID, step string) string {
	return fmt.Sprintf("%s:%s", sagaID, step)
}

// Sweeper performs the best-effort reverse compensation sweep over an
// instance's committed steps.
type Sweeper struct {
	wal         WAL
	idempotency IdempotencyStore
	store       Store
	metrics     MetricsRecorder
	events      Publisher
}

// NewSweeper creates a compensation sweeper. A nil idempotency store falls
// back to an in-memory one.
func NewSweeper(wal WAL, idempotency IdempotencyStore) *Sweeper {
	if idempotency == nil {
		idempotency = NewInMemoryIdempotencyStore()
	}
	return &Sweeper{
		wal:         wal,
		idempotency: idempotency,
		metrics:     nopMetricsRecorder{},
		events:      nopPublisher{},
	}
}

// Execute compensates every committed-but-uncompensated step in strict
// reverse commit order. Individual failures are collected, never fatal to the
// sweep: the remaining compensations are still attempted. Returns a
// CompensationError when any compensation did not complete.
func (s *Sweeper) Execute(ctx context.Context, def *Definition, instance *Instance, cause error) error {
	if def == nil {
		return fmt.Errorf("saga: definition cannot be nil")
	}
	if instance == nil {
		return fmt.Errorf("saga: instance cannot be nil")
	}

	ctx, span := sagaTracer().Start(ctx, spanCompensationPhase,
		trace.WithAttributes(attribute.String("saga.id", instance.ID)))
	defer span.End()

	failures := make([]StepFailure, 0)

	for i := len(instance.Committed) - 1; i >= 0; i-- {
		name := instance.Committed[i]
		if instance.HasCompensated(name) {
			continue
		}

		key := IdempotencyKey(instance.ID, name)
		if s.idempotency.Seen(key) {
			instance.MarkStepCompensated(name)
			s.persist(ctx, instance)
			continue
		}

		step := def.StepByName(name)
		if step == nil {
			// The definition changed since this step committed; its effect
			// cannot be reversed here.
			failures = append(failures, StepFailure{Step: name, Reason: "step no longer present in definition"})
			s.publish(ctx, instance, EventStepCompensationStuck, name, "step no longer present in definition")
			continue
		}
		if step.Compensation == nil {
			instance.MarkStepCompensated(name)
			s.idempotency.Mark(key)
			s.persist(ctx, instance)
			continue
		}

		if err := s.compensateStep(ctx, def, instance, step, cause); err != nil {
			s.metrics.RecordCompensation("failed")
			failures = append(failures, StepFailure{Step: name, Reason: err.Error()})
			s.publish(ctx, instance, EventStepCompensationStuck, name, err.Error())
			continue
		}

		s.metrics.RecordCompensation("completed")
		s.idempotency.Mark(key)
		instance.MarkStepCompensated(name)
		s.persist(ctx, instance)
		s.publish(ctx, instance, EventStepCompensated, name, "")
	}

	if len(failures) > 0 {
		return &CompensationError{Failed: failures}
	}
	return nil
}

func (s *Sweeper) compensateStep(
	ctx context.Context,
	def *Definition,
	instance *Instance,
	step *Step,
	cause error,
) error {
	maxRetries := def.Retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.RecordCompensationRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffForAttempt(def.Retry, attempt-1)):
			}
		}

		if err := s.writeWAL(ctx, WALEntry{
			SagaID: instance.ID,
			Step:   step.Name,
			Type:   WALEntryCompensationStarted,
		}); err != nil {
			return err
		}

		stepCtx, cancel := compensationContext(ctx, def, step)
		err := step.Compensation(stepCtx, &CompensationContext{
			SagaID:     instance.ID,
			Step:       step.Name,
			FailedStep: instance.FailedStep,
			Failure:    cause,
			Input:      instance.Input,
			Result:     instance.StepResults[step.Name],
			AllResults: copyResultMap(instance.StepResults),
		})
		cancel()

		if err == nil {
			return s.writeWAL(ctx, WALEntry{
				SagaID: instance.ID,
				Step:   step.Name,
				Type:   WALEntryCompensationCompleted,
			})
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Step: step.Name, Phase: "compensation"}
		}
		lastErr = err
		if walErr := s.writeWAL(ctx, WALEntry{
			SagaID: instance.ID,
			Step:   step.Name,
			Type:   WALEntryCompensationFailed,
			Data:   []byte(err.Error()),
		}); walErr != nil {
			return walErr
		}
	}

	return fmt.Errorf("saga: compensation for step %q failed after %d attempts: %w",
		step.Name, maxRetries+1, lastErr)
}

func (s *Sweeper) persist(ctx context.Context, instance *Instance) {
	if s.store == nil {
		return
	}
	_ = s.store.Save(ctx, instance)
}

func (s *Sweeper) publish(ctx context.Context, instance *Instance, eventType EventType, step, reason string) {
	s.events.Publish(ctx, Event{
		Type:       eventType,
		SagaID:     instance.ID,
		Definition: instance.DefinitionName,
		Step:       step,
		Status:     instance.Status.String(),
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Sweeper) writeWAL(ctx context.Context, entry WALEntry) error {
	if s.wal == nil {
		return nil
	}
	_, err := s.wal.Append(ctx, entry)
	return err
}

func compensationContext(ctx context.Context, def *Definition, step *Step) (context.Context, context.CancelFunc) {
	if step.Timeout > 0 {
		return context.WithTimeout(ctx, step.Timeout)
	}
	if def.DefaultStepTimeout > 0 {
		return context.WithTimeout(ctx, def.DefaultStepTimeout)
	}
	return context.WithCancel(ctx)
}

func backoffForAttempt(cfg RetryConfig, attempt int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt))
	duration := time.Duration(backoff)
	if duration > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return duration
}
