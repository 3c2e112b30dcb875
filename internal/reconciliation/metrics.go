package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFailedChecks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop",
		Subsystem: "reconciliation",
		Name:      "failed_checks",
		Help:      "Number of checks that failed in the last reconciliation run.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last completed reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swaploop",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swaploop",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFailedChecks,
		reconcileLastRun,
		reconcileDuration,
		reconcileErrors,
	)
}
