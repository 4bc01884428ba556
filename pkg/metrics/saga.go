package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total number of saga executions by terminal status",
		},
		[]string{"status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"status"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_count",
			Help: "Current number of active saga executions",
		},
	)

	m.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of step compensations by outcome",
		},
		[]string{"status"},
	)

	m.sagaCompensationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensation_retries_total",
			Help: "Total number of compensation retries",
		},
	)

	m.sagaRecovery = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_recovery_total",
			Help: "Total number of saga recovery resumptions by phase",
		},
		[]string{"phase"},
	)

	m.registry.MustRegister(m.sagaExecutions)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.sagaCompensations)
	m.registry.MustRegister(m.sagaCompensationRetries)
	m.registry.MustRegister(m.sagaRecovery)
}

// RecordSagaExecution records one saga execution outcome.
func (m *Manager) RecordSagaExecution(status string) {
	if !m.enabled {
		return
	}
	m.sagaExecutions.WithLabelValues(status).Inc()
}

// RecordSagaDuration records saga execution latency.
func (m *Manager) RecordSagaDuration(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveSagas increments current active saga count.
func (m *Manager) IncActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Inc()
}

// DecActiveSagas decrements current active saga count.
func (m *Manager) DecActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Dec()
}

// RecordCompensation records one step compensation outcome.
func (m *Manager) RecordCompensation(status string) {
	if !m.enabled {
		return
	}
	m.sagaCompensations.WithLabelValues(status).Inc()
}

// RecordCompensationRetry records one compensation retry.
func (m *Manager) RecordCompensationRetry() {
	if !m.enabled {
		return
	}
	m.sagaCompensationRetries.Inc()
}

// RecordSagaRecovery records one recovery resumption by phase.
func (m *Manager) RecordSagaRecovery(phase string) {
	if !m.enabled {
		return
	}
	m.sagaRecovery.WithLabelValues(phase).Inc()
}
