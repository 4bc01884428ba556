package saga

import (
	"errors"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		valid    bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusCompensating, true},
		{StatusCompensating, StatusCompensated, true},
		{StatusCompensating, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusFailed, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompensated, StatusRunning, false},
		{StatusFailed, StatusCompensating, false},
		{StatusCompleted, StatusCompensating, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.valid {
			t.Errorf("%s -> %s: expected valid=%t, got %t", tc.from, tc.to, tc.valid, got)
		}
	}
}

func TestStatusTerminalStatesAreImmutable(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusCompensated, StatusFailed} {
		if !status.IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
		for _, next := range []Status{StatusPending, StatusRunning, StatusCompensating, StatusCompleted, StatusCompensated, StatusFailed} {
			if next == status {
				continue
			}
			if status.CanTransitionTo(next) {
				t.Errorf("terminal %s must not transition to %s", status, next)
			}
		}
	}
}

func TestInstanceTransitionToSetsTimestamps(t *testing.T) {
	def, err := New("ts").Step("a", Action(noopAction)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	instance := NewInstance("ts-1", def, nil)
	if instance.StartedAt != nil || instance.CompletedAt != nil {
		t.Fatal("fresh instance must not carry start or completion timestamps")
	}

	if err := instance.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo(running) error = %v", err)
	}
	if instance.StartedAt == nil {
		t.Fatal("expected StartedAt after pending -> running")
	}

	if err := instance.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("TransitionTo(completed) error = %v", err)
	}
	if instance.CompletedAt == nil {
		t.Fatal("expected CompletedAt on terminal transition")
	}

	if err := instance.TransitionTo(StatusRunning); err == nil {
		t.Fatal("expected invalid transition from terminal state")
	}
}

func TestInstanceCommitRecordDictatesOrder(t *testing.T) {
	def, err := New("commit").
		Step("a", Action(noopAction)).
		Step("b", Action(noopAction)).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	instance := NewInstance("commit-1", def, nil)
	instance.MarkStepCommitted("a", 1)
	instance.MarkStepCommitted("b", 2)

	if len(instance.Committed) != 2 || instance.Committed[0] != "a" || instance.Committed[1] != "b" {
		t.Fatalf("expected commit record [a b], got %v", instance.Committed)
	}
	if instance.StepResults["b"] != 2 {
		t.Fatalf("expected result 2 for b, got %v", instance.StepResults["b"])
	}

	instance.MarkStepCompensated("b")
	if !instance.HasCompensated("b") || instance.HasCompensated("a") {
		t.Fatal("compensation record out of sync")
	}
}

func TestInstanceSetFailure(t *testing.T) {
	instance := NewInstance("fail-1", nil, nil)
	instance.SetFailure("b", errors.New("boom"))
	if instance.FailedStep != "b" || instance.FailureReason != "boom" {
		t.Fatalf("unexpected failure record: %q / %q", instance.FailedStep, instance.FailureReason)
	}
}

func TestCloneInstanceIsDeep(t *testing.T) {
	instance := NewInstance("clone-1", nil, map[string]any{"k": "v"})
	instance.MarkStepCommitted("a", "result")

	clone := cloneInstance(instance)
	clone.Committed[0] = "mutated"
	clone.StepResults["a"] = "mutated"

	if instance.Committed[0] != "a" {
		t.Fatal("clone shares committed slice with original")
	}
	if instance.StepResults["a"] != "result" {
		t.Fatal("clone shares result map with original")
	}
}
