package saga

import (
	"context"
	"time"
)

// EventType identifies one saga lifecycle event.
type EventType string

const (
	EventInstanceStarted       EventType = "instance_started"
	EventInstanceCompleted     EventType = "instance_completed"
	EventInstanceCompensated   EventType = "instance_compensated"
	EventInstanceFailed        EventType = "instance_failed"
	EventStepCommitted         EventType = "step_committed"
	EventStepFailed            EventType = "step_failed"
	EventStepCompensated       EventType = "step_compensated"
	EventStepCompensationStuck EventType = "step_compensation_unresolved"
)

// Event is one saga lifecycle notification.
type Event struct {
	Type       EventType `json:"type"`
	SagaID     string    `json:"saga_id"`
	Definition string    `json:"definition"`
	Step       string    `json:"step,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher receives lifecycle events from the coordinator. Implementations
// must not block; slow consumers drop rather than stall execution.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
