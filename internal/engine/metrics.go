package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "quiverd",
			Subsystem: "engine",
			Name:      "search_duration_seconds",
			Help:      "End-to-end search latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quiverd",
			Subsystem: "engine",
			Name:      "searches_total",
			Help:      "Total searches by result (success, partial, error)",
		},
		[]string{"result"},
	)

	// integrityGaps counts candidates dropped because their metadata row
	// was missing. A rising rate means ingestion or reconciliation is
	// falling behind.
	integrityGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quiverd",
			Subsystem: "engine",
			Name:      "integrity_gaps_total",
			Help:      "Candidates dropped for missing metadata",
		},
	)

	overfetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quiverd",
			Subsystem: "engine",
			Name:      "overfetch_retries_total",
			Help:      "Searches that needed a second, larger index query",
		},
	)
)

func observeSearch(start time.Time, result string) {
	searchDuration.Observe(time.Since(start).Seconds())
	searchesTotal.WithLabelValues(result).Inc()
}
