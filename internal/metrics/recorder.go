package metrics

import "time"

// Recorder adapts the package-level Prometheus vectors to the
// coordinator.Metrics interface. It has no fields: it satisfies that
// interface structurally so internal/coordinator never needs to import
// internal/metrics.
type Recorder struct{}

func (Recorder) ObservePhaseDuration(phase string, d time.Duration) {
	PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (Recorder) IncPhaseRetry(phase string) {
	PhaseRetriesTotal.WithLabelValues(phase).Inc()
}

func (Recorder) IncRollbackAction(step string) {
	RollbackActionsTotal.WithLabelValues(step).Inc()
}

func (Recorder) ObserveBackupResult(result string) {
	BackupsTotal.WithLabelValues(result).Inc()
}
