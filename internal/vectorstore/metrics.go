// Prometheus metrics for index health monitoring.
package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queryDuration tracks vector query latency per backend.
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quiverd",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of vector index queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// queriesTotal counts vector queries by backend and result.
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quiverd",
			Subsystem: "vectorstore",
			Name:      "queries_total",
			Help:      "Total number of vector index queries",
		},
		[]string{"backend", "result"},
	)
)

// observeQuery records latency and outcome for a single query.
func observeQuery(backend string, start time.Time, err error) {
	queryDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	queriesTotal.WithLabelValues(backend, result).Inc()
}
