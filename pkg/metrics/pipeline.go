package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPipelineMetrics(cfg Config) {
	m.pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"pipeline", "status"},
	)

	m.pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: cfg.PipelineDurationBuckets,
		},
		[]string{"pipeline", "status"},
	)

	m.pipelineStageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Total number of stage failures by pipeline and stage",
		},
		[]string{"pipeline", "stage"},
	)

	m.registry.MustRegister(m.pipelineRuns)
	m.registry.MustRegister(m.pipelineDuration)
	m.registry.MustRegister(m.pipelineStageFailures)
}

// RecordPipelineRun records one pipeline run outcome and latency.
func (m *Manager) RecordPipelineRun(pipeline, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.pipelineRuns.WithLabelValues(pipeline, status).Inc()
	m.pipelineDuration.WithLabelValues(pipeline, status).Observe(duration.Seconds())
}

// RecordStageFailure records one failing stage.
func (m *Manager) RecordStageFailure(pipeline, stage string) {
	if !m.enabled {
		return
	}
	m.pipelineStageFailures.WithLabelValues(pipeline, stage).Inc()
}
