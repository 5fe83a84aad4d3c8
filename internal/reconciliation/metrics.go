package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileShortfalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "custody_shortfalls",
		Help:      "Number of custody/currency pairs whose balance did not cover escrow liabilities in the last run.",
	})

	reconcileHeldEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "held_escrows",
		Help:      "Number of escrows with funds in custody seen in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileShortfalls,
		reconcileHeldEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}
