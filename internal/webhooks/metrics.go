package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook deliveries by event kind and outcome.",
	}, []string{"kind", "outcome"}) // "success", "duplicate", "error", "rejected"

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "webhook",
		Name:      "handler_duration_seconds",
		Help:      "Time spent in event handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	leasesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "webhook",
		Name:      "leases_lost_total",
		Help:      "Events whose lease expired before the handler finished.",
	})

	sweeperReclaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "webhook",
		Name:      "sweeper_reclaims_total",
		Help:      "Stale events handled by the sweeper, by action.",
	}, []string{"action"}) // "reattempted", "released", "contended"
)

func init() {
	prometheus.MustRegister(eventsTotal, handlerDuration, leasesLost, sweeperReclaims)
}
