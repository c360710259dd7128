package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "researchd",
		Subsystem: "embeddings",
		Name:      "generation_duration_seconds",
		Help:      "Time spent generating embeddings.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model", "op"})

	generationTexts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "embeddings",
		Name:      "texts_total",
		Help:      "Texts embedded, by outcome.",
	}, []string{"model", "op", "outcome"})
)

func recordGeneration(model, op string, elapsed time.Duration, count int, err error) {
	generationDuration.WithLabelValues(model, op).Observe(elapsed.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	generationTexts.WithLabelValues(model, op, outcome).Add(float64(count))
}
