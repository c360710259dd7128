package retrieve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "retrieval",
		Name:      "searches_total",
		Help:      "Retrieval requests by mode and outcome.",
	}, []string{"mode", "outcome"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "researchd",
		Subsystem: "retrieval",
		Name:      "search_duration_seconds",
		Help:      "Retrieval latency by mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})
)

func recordSearch(mode, outcome string, elapsed time.Duration) {
	searchTotal.WithLabelValues(mode, outcome).Inc()
	searchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}
