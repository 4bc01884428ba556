package saga

import (
	"context"
	"errors"
	"testing"
)

func TestRecoveryManagerResumesNonTerminalInstances(t *testing.T) {
	def, err := New("recover").
		Step("a", Action(func(context.Context, *StepContext) (any, error) { return "a", nil })).
		Step("b", Action(func(context.Context, *StepContext) (any, error) { return "b", nil })).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStore()
	coordinator := NewCoordinator(WithStore(store))
	if err := coordinator.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()

	// One interrupted mid-run, one already terminal, one with an unknown
	// definition.
	interrupted := NewInstance("rec-1", def, nil)
	if err := interrupted.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	interrupted.MarkStepCommitted("a", "a")
	interrupted.NextStep = 1

	done := NewInstance("rec-2", def, nil)
	if err := done.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if err := done.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}

	orphan := NewInstance("rec-3", &Definition{Name: "unregistered"}, nil)
	if err := orphan.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}

	for _, instance := range []*Instance{interrupted, done, orphan} {
		if err := store.Save(ctx, instance); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	manager, err := NewRecoveryManager(coordinator, store, nil)
	if err != nil {
		t.Fatalf("NewRecoveryManager() error = %v", err)
	}

	recovered, err := manager.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered instance, got %d", recovered)
	}

	resumed, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed status after recovery, got %s", resumed.Status)
	}
}

func TestRecoveryManagerCountsCompensationOutcomes(t *testing.T) {
	def, err := New("recover-comp").
		Step("a",
			Action(func(context.Context, *StepContext) (any, error) { return "a", nil }),
			Compensate(func(context.Context, *CompensationContext) error { return nil }),
		).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStore()
	coordinator := NewCoordinator(WithStore(store))
	if err := coordinator.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	instance := NewInstance("comp-1", def, nil)
	if err := instance.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	instance.MarkStepCommitted("a", "a")
	instance.SetFailure("b", errors.New("boom"))
	if err := instance.TransitionTo(StatusCompensating); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if err := store.Save(ctx, instance); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	manager, err := NewRecoveryManager(coordinator, store, nil)
	if err != nil {
		t.Fatalf("NewRecoveryManager() error = %v", err)
	}

	recovered, err := manager.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered instance, got %d", recovered)
	}

	final, err := store.Get(ctx, "comp-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.Status != StatusCompensated {
		t.Fatalf("expected compensated status, got %s", final.Status)
	}
}
