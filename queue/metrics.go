package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess   = "success"
	resultFailed    = "failed"
	resultExhausted = "exhausted"
	resultCancelled = "cancelled"
)

type metrics struct {
	pending  prometheus.Gauge
	settled  *prometheus.CounterVec
	attempts *prometheus.CounterVec
}

// newMetrics creates the queue collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica_sync",
			Subsystem: "queue",
			Name:      "pending_operations",
			Help:      "Number of operations waiting in the queue.",
		}),
		settled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica_sync",
			Subsystem: "queue",
			Name:      "settled_operations_total",
			Help:      "Operations that left the queue, by result.",
		}, []string{"result"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica_sync",
			Subsystem: "queue",
			Name:      "failed_attempts_total",
			Help:      "Failed execution attempts, by error kind.",
		}, []string{"kind"}),
	}
}
