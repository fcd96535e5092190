package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.StorageOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsm_storage_operations_total",
			Help: "Total number of storage operations (Get/Put/Delete/Write)",
		},
		[]string{"operation", "status"},
	)

	r.StorageOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsm_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.StorageDiskUsageBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_storage_disk_usage_bytes",
			Help: "Disk space used by SSTables and the manifest in bytes",
		},
	)
}
