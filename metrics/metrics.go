// Package metrics exposes the client's prometheus collectors. Collectors
// register on the default registry at init, the usual promauto contract.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_transfers_submitted_total", Help: "Transfers registered with the engine"})
	TransfersAdopted   = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_transfers_adopted_total", Help: "Pushed transfers re-bound to a real request"})
	TransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_transfers_completed_total", Help: "Transfers that finished without error"})
	TransfersFailed    = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_transfers_failed_total", Help: "Transfers that finished with a transport error"})
	TransfersAbandoned = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_transfers_abandoned_total", Help: "Transfers deregistered after their handle was dropped"})
	OpenTransfers      = promauto.NewGauge(prometheus.GaugeOpts{Name: "muxclient_open_transfers", Help: "Transfers currently in flight"})
	DrainSeconds       = promauto.NewHistogram(prometheus.HistogramOpts{Name: "muxclient_drain_duration_seconds", Help: "Time spent pumping the engine per drain", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12)})

	PushAccepted   = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_push_accepted_total", Help: "Server pushes admitted to the push cache"})
	PushRejected   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "muxclient_push_rejected_total", Help: "Server pushes denied, by reason"}, []string{"reason"})
	PushClaimed    = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_push_claimed_total", Help: "Cached pushes served to a matching request"})
	PushMismatched = promauto.NewCounter(prometheus.CounterOpts{Name: "muxclient_push_mismatched_total", Help: "Cached pushes discarded because the request context differed"})
)
