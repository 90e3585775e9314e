package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	records     prometheus.Gauge
	snapshots   prometheus.Counter
	transitions *prometheus.CounterVec
	dropped     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		records: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica_sync",
			Subsystem: "replica",
			Name:      "records",
			Help:      "Number of records in the local replica.",
		}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replica_sync",
			Subsystem: "replica",
			Name:      "snapshots_total",
			Help:      "Snapshots applied to the local replica.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica_sync",
			Subsystem: "replica",
			Name:      "write_transitions_total",
			Help:      "Provisional writes settled by a snapshot, by resulting state.",
		}, []string{"state"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replica_sync",
			Subsystem: "replica",
			Name:      "foreign_records_dropped_total",
			Help:      "Snapshot records discarded because they belong to another owner.",
		}),
	}
}
