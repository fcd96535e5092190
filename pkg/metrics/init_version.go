package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initVersionMetrics() {
	r.FilesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsm_files_per_level",
			Help: "Number of SST files resident at each level",
		},
		[]string{"level"},
	)

	r.SkiplistsPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsm_skiplists_per_level",
			Help: "Number of PMEM skiplist instances resident at each level",
		},
		[]string{"level"},
	)

	r.LevelBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsm_level_bytes",
			Help: "Total bytes of sorted runs (SST + PMEM) at each level",
		},
		[]string{"level"},
	)

	r.LastSequence = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_last_sequence",
			Help: "Last sequence number assigned by the VersionSet",
		},
	)

	r.NextFileNumber = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsm_next_file_number",
			Help: "Next file number to be assigned by the VersionSet",
		},
	)
}
