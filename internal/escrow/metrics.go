package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Total escrows created.",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Applied escrow transitions by from and to state.",
	}, []string{"from", "to"})

	transitionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "transitions_rejected_total",
		Help:      "Transition requests rejected by the transition table, by target state.",
	}, []string{"to"})

	paymentStatusUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "payment_status_updates_total",
		Help:      "Funding leg status changes by new status.",
	}, []string{"status"})

	paymentsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "payment_transactions_total",
		Help:      "Gateway money movements recorded, by kind and status.",
	}, []string{"kind", "status"})
)

func init() {
	prometheus.MustRegister(
		escrowsCreated,
		transitionsTotal,
		transitionsRejected,
		paymentStatusUpdates,
		paymentsRecorded,
	)
}
