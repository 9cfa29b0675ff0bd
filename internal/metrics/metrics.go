// Package metrics exposes the backup coordinator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongobackup_phase_duration_seconds",
			Help:    "Duration of each backup phase attempt",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"phase"},
	)

	PhaseRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongobackup_phase_retries_total",
			Help: "Total number of retried phase attempts",
		},
		[]string{"phase"},
	)

	RollbackActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongobackup_rollback_actions_total",
			Help: "Total number of rollback steps executed",
		},
		[]string{"step"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongobackup_backups_total",
			Help: "Total number of backup runs by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(PhaseRetriesTotal)
	prometheus.MustRegister(RollbackActionsTotal)
	prometheus.MustRegister(BackupsTotal)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
