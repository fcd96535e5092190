package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initPmemMetrics() {
	r.PmemFreeListNodes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_pmem_free_list_nodes",
			Help: "Nodes remaining in the PMEM skiplist free list",
		},
	)

	r.PmemFreeListWarning = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_pmem_free_list_warning",
			Help: "1 if the PMEM free list is below the warning threshold, 0 otherwise",
		},
	)

	r.PmemBufferBytesUsed = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsm_pmem_buffer_bytes_used",
			Help: "Bytes consumed in each sharded PMEM buffer",
		},
		[]string{"buffer_id"},
	)

	r.PmemEvictionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_pmem_evictions_total",
			Help: "PMEM skiplist instances demoted to SST by LRU tiering eviction",
		},
	)

	r.RefTimesIncrements = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsm_pmem_ref_times_increments_total",
			Help: "Cumulative refTimes increments across all PMEM skiplist lookups",
		},
	)
}
