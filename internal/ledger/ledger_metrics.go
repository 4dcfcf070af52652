package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowpay",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowpay",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
		},
		[]string{"type"},
	)

	// LedgerCompensationFailures counts failed withdrawal reversals. Any
	// increase needs manual investigation.
	LedgerCompensationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowpay",
			Name:      "ledger_compensation_failures_total",
			Help:      "Withdrawal reversals that could not be written.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerCompensationFailures,
	)
}

// observeOp returns a function that records the duration and result of one
// operation.
func observeOp(opType string) func(err *error) {
	start := time.Now()
	return func(err *error) {
		result := "ok"
		if err != nil && *err != nil {
			result = "error"
		}
		LedgerOpsTotal.WithLabelValues(opType, result).Inc()
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
