package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(status string)
	RecordSagaDuration(status string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordCompensation(status string)
	RecordCompensationRetry()
	RecordSagaRecovery(status string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string)                {}
func (nopMetricsRecorder) RecordSagaDuration(string, time.Duration)  {}
func (nopMetricsRecorder) IncActiveSagas()                           {}
func (nopMetricsRecorder) DecActiveSagas()                           {}
func (nopMetricsRecorder) RecordCompensation(string)                 {}
func (nopMetricsRecorder) RecordCompensationRetry()                  {}
func (nopMetricsRecorder) RecordSagaRecovery(string)                 {}
