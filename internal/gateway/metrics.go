package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Total outbound gateway calls by operation and result.",
	}, []string{"op", "result"}) // "success", "error", "circuit_open", "missing_destination"

	gwCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "gateway",
		Name:      "call_latency_seconds",
		Help:      "Outbound gateway call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	gwAmountMinor = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "gateway",
		Name:      "amount_minor_units",
		Help:      "Distribution of amounts sent to the gateway, in minor units.",
		Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gwCalls, gwCallLatency, gwAmountMinor)
}
