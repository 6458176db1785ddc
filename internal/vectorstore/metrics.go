// Package vectorstore provides Prometheus metrics for store operations.
package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks how long store operations take.
	// Labels: backend (pgvector, qdrant, chromem), operation (insert, delete, recall, count, by_time)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vectord",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// OperationTotal counts store operations.
	// Labels: backend, operation, result (success, error)
	OperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// VectorsInserted counts vectors written through the facade.
	VectorsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "vectorstore",
			Name:      "vectors_inserted_total",
			Help:      "Total number of vectors inserted",
		},
	)

	// CountCacheLookups counts tenant count cache lookups.
	// Labels: result (hit, miss, error)
	CountCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "vectorstore",
			Name:      "count_cache_lookups_total",
			Help:      "Total number of tenant count cache lookups",
		},
		[]string{"result"},
	)
)

// observeOperation records duration and outcome for one store operation.
func observeOperation(backend, operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationTotal.WithLabelValues(backend, operation, result).Inc()
}
