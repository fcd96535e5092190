package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWriterMetrics() {
	r.WriteStallMicrosTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_write_stall_micros_total",
			Help: "Cumulative microseconds writers spent delayed or stopped in MakeRoomForWrite",
		},
	)

	r.WriteBatchGroupSize = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lsm_write_batch_group_size",
			Help:    "Number of writers coalesced per BuildBatchGroup call",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	r.MemTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_memtable_bytes",
			Help: "Approximate size of the active MemTable in bytes",
		},
	)

	r.ImmutableMemTablePending = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_immutable_memtable_pending",
			Help: "1 if an immutable MemTable is awaiting flush, 0 otherwise",
		},
	)
}
