package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCompactionMetrics() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsm_compactions_total",
			Help: "Total number of compactions run, labeled by kind",
		},
		[]string{"kind"}, // memtable_flush, trivial_move, merge
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsm_compaction_duration_seconds",
			Help:    "Duration of DoCompactionWork calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	r.CompactionBytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_compaction_bytes_read_total",
			Help: "Cumulative bytes read from compaction inputs",
		},
	)

	r.CompactionBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_compaction_bytes_written_total",
			Help: "Cumulative bytes written to compaction outputs",
		},
	)

	r.CompactionKeysDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsm_compaction_keys_dropped_total",
			Help: "Keys dropped during compaction, labeled by reason",
		},
		[]string{"reason"}, // superseded, tombstone_at_base
	)

	r.HotOutputEntriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_compaction_hot_output_entries_total",
			Help: "Entries routed to the hot (refTimes >= threshold) output builder",
		},
	)

	r.WarmOutputEntriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_compaction_warm_output_entries_total",
			Help: "Entries routed to the warm output builder",
		},
	)
}
