package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Bridge forwards coordinator lifecycle events onto the bus as canonical
// envelopes. It satisfies saga.Publisher and never blocks execution: publish
// failures are logged and dropped.
type Bridge struct {
	bus    *MemoryBus
	logger *slog.Logger
}

// NewBridge creates a coordinator-to-bus event bridge.
func NewBridge(bus *MemoryBus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, logger: logger}
}

// Publish converts one saga event into an envelope and publishes it.
func (b *Bridge) Publish(ctx context.Context, event saga.Event) {
	envelope, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:  string(event.Type),
		SagaID:     event.SagaID,
		Definition: event.Definition,
		Step:       event.Step,
		Status:     event.Status,
		Reason:     event.Reason,
	})
	if err != nil {
		b.logger.Warn("drop saga event, envelope build failed", "saga_id", event.SagaID, "error", err)
		return
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Warn("drop saga event, marshal failed", "saga_id", event.SagaID, "error", err)
		return
	}

	subject := SagaSubject(event.Definition, string(event.Type))
	if err := b.bus.Publish(ctx, subject, data); err != nil {
		b.logger.Warn("drop saga event, publish failed", "subject", subject, "error", err)
	}
}
