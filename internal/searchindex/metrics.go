package searchindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "index",
		Name:      "operations_total",
		Help:      "Search index operations by outcome.",
	}, []string{"op", "outcome"})

	indexErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "index",
		Name:      "errors_total",
		Help:      "Search index operation failures after retries.",
	}, []string{"op"})

	bm25Documents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "researchd",
		Subsystem: "index",
		Name:      "bm25_chunks",
		Help:      "Chunks currently held in the in-process lexical index.",
	})
)
