package metrics

import (
	"strconv"
	"time"
)

// RecordStorageOperation records a storage operation (Get/Put/Delete/Write).
func (r *Registry) RecordStorageOperation(operation, status string, duration time.Duration) {
	r.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWriteStall accumulates time a writer spent in a delay or stop branch
// of MakeRoomForWrite.
func (r *Registry) RecordWriteStall(d time.Duration) {
	r.WriteStallMicrosTotal.Add(float64(d.Microseconds()))
}

// RecordBatchGroup records how many writers BuildBatchGroup coalesced.
func (r *Registry) RecordBatchGroup(writers int) {
	r.WriteBatchGroupSize.Observe(float64(writers))
}

// SetLevelCounts updates per-level file/skiplist/byte gauges for one level.
func (r *Registry) SetLevelCounts(level int, files, skiplists int, bytes int64) {
	l := strconv.Itoa(level)
	r.FilesPerLevel.WithLabelValues(l).Set(float64(files))
	r.SkiplistsPerLevel.WithLabelValues(l).Set(float64(skiplists))
	r.LevelBytes.WithLabelValues(l).Set(float64(bytes))
}

// RecordCompaction records one completed compaction of the given kind.
func (r *Registry) RecordCompaction(kind string, duration time.Duration, bytesRead, bytesWritten int64) {
	r.CompactionsTotal.WithLabelValues(kind).Inc()
	r.CompactionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	r.CompactionBytesRead.Add(float64(bytesRead))
	r.CompactionBytesWritten.Add(float64(bytesWritten))
}

// RecordDroppedKey records one key dropped during compaction for the given reason.
func (r *Registry) RecordDroppedKey(reason string) {
	r.CompactionKeysDropped.WithLabelValues(reason).Inc()
}

// RecordOutputEntry records one entry routed to the hot or warm compaction output.
func (r *Registry) RecordOutputEntry(hot bool) {
	if hot {
		r.HotOutputEntriesTotal.Inc()
	} else {
		r.WarmOutputEntriesTotal.Inc()
	}
}

// SetPmemFreeList updates the PMEM free-list gauges.
func (r *Registry) SetPmemFreeList(nodesRemaining int, warning bool) {
	r.PmemFreeListNodes.Set(float64(nodesRemaining))
	if warning {
		r.PmemFreeListWarning.Set(1)
	} else {
		r.PmemFreeListWarning.Set(0)
	}
}

// SetPmemBufferUsage records bytes used in one sharded PMEM buffer.
func (r *Registry) SetPmemBufferUsage(bufferID int, bytesUsed int64) {
	r.PmemBufferBytesUsed.WithLabelValues(strconv.Itoa(bufferID)).Set(float64(bytesUsed))
}

// RecordPmemEviction records one LRU-tiering inline eviction (PMEM -> SST).
func (r *Registry) RecordPmemEviction() {
	r.PmemEvictionsTotal.Inc()
}

// RecordRefTimesIncrement records one refTimes increment from a skiplist lookup hit.
func (r *Registry) RecordRefTimesIncrement() {
	r.RefTimesIncrements.Inc()
}
