package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	divergentPairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "handyhub",
		Subsystem: "reconciliation",
		Name:      "divergent_pairs",
		Help:      "Booking/payment pairs outside the allowed pairings in the last run.",
	})

	settledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "reconciliation",
		Name:      "settled_total",
		Help:      "Stale checkouts pushed through settlement, by outcome.",
	}, []string{"outcome"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "handyhub",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(divergentPairs, settledTotal, runDuration, runErrors)
}
