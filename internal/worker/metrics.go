package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts jobs by exit state: success, deferred,
	// stale, quota_error, embed_error, insert_error, rebuild_error.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Training jobs processed by exit state",
		},
		[]string{"result"},
	)

	// JobDuration tracks wall time per job by exit state.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vectord",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Training job processing duration",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)

	// InFlight gauges jobs currently holding a concurrency slot.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vectord",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Training jobs currently being processed",
		},
	)

	// ClaimErrors counts claim attempts that failed against the store.
	ClaimErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "worker",
			Name:      "claim_errors_total",
			Help:      "Job claim attempts that failed",
		},
	)
)
