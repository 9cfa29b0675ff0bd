package coordinator

import "time"

// Metrics receives observations from the phase driver. internal/metrics
// implements this against Prometheus; tests use NoopMetrics.
type Metrics interface {
	ObservePhaseDuration(phase string, d time.Duration)
	IncPhaseRetry(phase string)
	IncRollbackAction(step string)
	ObserveBackupResult(result string)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObservePhaseDuration(phase string, d time.Duration) {}
func (NoopMetrics) IncPhaseRetry(phase string)                        {}
func (NoopMetrics) IncRollbackAction(step string)                     {}
func (NoopMetrics) ObserveBackupResult(result string)                 {}
