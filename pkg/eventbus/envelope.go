package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the initial saga lifecycle event schema.
	SchemaVersionV1 = "v1"

	// SubjectPrefix is the canonical prefix for saga lifecycle events.
	SubjectPrefix = "sagaflow.v1.saga"
)

// Envelope is the canonical saga lifecycle event envelope.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	SagaID        string          `json:"saga_id"`
	Definition    string          `json:"definition"`
	Step          string          `json:"step,omitempty"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// BuildEnvelopeInput is used to construct a new envelope.
type BuildEnvelopeInput struct {
	EventType     string
	SchemaVersion string
	SagaID        string
	Definition    string
	Step          string
	Status        string
	Reason        string
	Payload       any
}

// BuildEnvelope creates a canonical envelope with generated event identity.
func BuildEnvelope(input BuildEnvelopeInput) (Envelope, error) {
	if input.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}
	if input.SagaID == "" {
		return Envelope{}, fmt.Errorf("eventbus: saga id is required")
	}
	if input.SchemaVersion == "" {
		input.SchemaVersion = SchemaVersionV1
	}

	var payload json.RawMessage
	if input.Payload != nil {
		data, err := json.Marshal(input.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
		}
		payload = data
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: input.SchemaVersion,
		SagaID:        input.SagaID,
		Definition:    input.Definition,
		Step:          input.Step,
		Status:        input.Status,
		Reason:        input.Reason,
		Payload:       payload,
	}, nil
}

// SagaSubject returns the canonical subject for one saga lifecycle event.
func SagaSubject(definition, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sanitizeSegment(definition), sanitizeSegment(eventType))
}

// DefinitionWildcardSubject matches every event of one definition.
func DefinitionWildcardSubject(definition string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitizeSegment(definition))
}

// AllSagasSubject matches every saga lifecycle event.
func AllSagasSubject() string {
	return SubjectPrefix + ".>"
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
