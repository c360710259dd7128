package research

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	askTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "research",
		Name:      "asks_total",
		Help:      "Deep research turns by whether the web was consulted.",
	}, []string{"web_attempted"})

	askDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "researchd",
		Subsystem: "research",
		Name:      "ask_duration_seconds",
		Help:      "Wall-clock duration of deep research turns.",
		Buckets:   []float64{1, 5, 10, 30, 60, 90, 120, 150},
	})
)

func recordAsk(webAttempted bool, elapsed time.Duration) {
	askTotal.WithLabelValues(strconv.FormatBool(webAttempted)).Inc()
	askDuration.Observe(elapsed.Seconds())
}
