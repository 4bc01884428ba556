package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "sagaflow.saga"

const (
	spanForwardPhase      = "saga.forward"
	spanForwardStep       = "saga.step.forward"
	spanCompensationPhase = "saga.compensation"
	spanCompensationStep  = "saga.step.compensate"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
