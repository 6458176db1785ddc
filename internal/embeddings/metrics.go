package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vectord",
			Subsystem: "embeddings",
			Name:      "generation_duration_seconds",
			Help:      "Duration of embedding generation calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	generationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "embeddings",
			Name:      "generations_total",
			Help:      "Total number of embedding generation calls",
		},
		[]string{"provider", "model", "result"},
	)

	inputsEmbedded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectord",
			Subsystem: "embeddings",
			Name:      "inputs_embedded_total",
			Help:      "Total number of texts embedded",
		},
		[]string{"provider", "model"},
	)
)

// Metrics records embedding generation outcomes.
type Metrics struct{}

// NewMetrics creates a Metrics recorder.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordGeneration records one embedding call.
func (m *Metrics) RecordGeneration(provider, model string, duration time.Duration, inputCount int, err error) {
	generationDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	generationTotal.WithLabelValues(provider, model, result).Inc()
	if err == nil {
		inputsEmbedded.WithLabelValues(provider, model).Add(float64(inputCount))
	}
}
