package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts cache lookups by outcome.
	// Labels: outcome (hit, miss, skip)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// ErrorsTotal counts backend and codec failures.
	// Labels: op (get, set, decode, encode, revision, bump)
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total cache errors by operation",
		},
		[]string{"op"},
	)
)

func recordHit()            { OperationsTotal.WithLabelValues("hit").Inc() }
func recordMiss()           { OperationsTotal.WithLabelValues("miss").Inc() }
func recordSkip()           { OperationsTotal.WithLabelValues("skip").Inc() }
func recordError(op string) { ErrorsTotal.WithLabelValues(op).Inc() }
