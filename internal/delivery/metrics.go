package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainseal_delivery_attempts_total",
		Help: "Delivery attempts by outcome (complete, retry, dead_letter).",
	}, []string{"outcome"})

	deliveryInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainseal_delivery_in_flight",
		Help: "Entries currently being delivered by this poller.",
	})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainseal_delivery_duration_seconds",
		Help:    "Duration of one produce+archive delivery attempt.",
		Buckets: prometheus.DefBuckets,
	})

	staleClaimsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainseal_delivery_stale_claims_reclaimed_total",
		Help: "In-progress claims returned to pending after a liveness timeout.",
	})
)
