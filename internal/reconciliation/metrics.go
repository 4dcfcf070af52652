package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of wallets whose ledger disagreed with the stored balance in the last run.",
	})

	reconcileAccountsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "accounts_checked",
		Help:      "Number of wallets checked in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileAccountsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
