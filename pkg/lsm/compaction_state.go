package lsm

import (
	"github.com/dd0wney/lsmpmem/pkg/pmem"
	"github.com/dd0wney/lsmpmem/pkg/pools"
)

// Compaction describes one picked compaction: the input level, the
// input files at that level and at level+1, and the grandparent
// (level+2) files used to bound output file size via
// should_stop_before.
type Compaction struct {
	level        int
	inputs       [2][]*FileMetaData // [0]=level, [1]=level+1
	grandparents []*FileMetaData
	trivialMove  bool

	grandparentIndex     int
	seenKey              bool
	overlappedBytes       int64
	maxGrandparentOverlap int64
}

// IsTrivialMove reports whether this compaction is a single level-N input
// with no level-N+1 overlap and bounded grandparent overlap, which can be
// recorded as a level move without rewriting any data.
func (c *Compaction) IsTrivialMove() bool { return c.trivialMove }

// InputFiles returns every FileMetaData this compaction consumes,
// across both input levels.
func (c *Compaction) InputFiles() []*FileMetaData {
	return append(append([]*FileMetaData(nil), c.inputs[0]...), c.inputs[1]...)
}

// IsBaseLevelForKey reports whether levels level+2..N-1 (every level
// below this compaction's output level) contain no file whose range
// could hold userKey, i.e. whether a tombstone for userKey can be
// dropped at this compaction's output level per the standard LSM "base
// level" drop rule.
func (c *Compaction) IsBaseLevelForKey(userKey []byte, v *Version, cmp *InternalKeyComparator) bool {
	for level := c.level + 2; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if cmp.UserCmp(userKey, f.Smallest.UserKey()) >= 0 && cmp.UserCmp(userKey, f.Largest.UserKey()) <= 0 {
				return false
			}
		}
	}
	return true
}

// shouldStopBefore enforces the grandparent-overlap cap: once the
// running total of grandparent bytes overlapped by the current output
// range exceeds maxGrandparentOverlap, the output is closed and a new
// one opened starting at key.
func (c *Compaction) shouldStopBefore(key InternalKey, cmp *InternalKeyComparator) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		cmp.UserCmp(key.UserKey(), c.grandparents[c.grandparentIndex].Largest.UserKey()) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].FileSize
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxGrandparentOverlap {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// compactionState accumulates the output builders and installed
// FileMetaData for one DoCompactionWork run.
type compactionState struct {
	compaction *Compaction
	opts       Options

	warmBuilder *outputBuilder
	hotBuilder  *outputBuilder

	outputs []*compactionOutput

	smallestSnapshot uint64
	seenUserKeys     map[string]uint64 // userKey -> last seen sequence, for drop rule (A)
}

type compactionOutput struct {
	meta      *FileMetaData
	hot       bool
	pmemRun   *pmemRun
}

// outputBuilder is either an SST-in-progress or a PMEM run-in-progress;
// exactly one of sst/pmem is non-nil.
type outputBuilder struct {
	fileNumber uint64
	level      int
	hot        bool

	sstEntries []sstEntry
	pmemRun    *pmemRun

	entryCount int
	byteSize   int64
	smallest   InternalKey
	largest    InternalKey
}

func newOutputBuilder(fileNumber, level int, hot bool) *outputBuilder {
	return &outputBuilder{fileNumber: uint64(fileNumber), level: level, hot: hot}
}

// addSST appends one entry to the SST-in-progress. The key/value copies
// are drawn from the shared byte pool rather than freshly allocated,
// since a compaction can route thousands of entries through here;
// materializeBuilder returns them once BuildSSTable has read this slice.
func (b *outputBuilder) addSST(key InternalKey, value []byte) {
	if b.entryCount == 0 {
		b.smallest = append(InternalKey(nil), key...)
	}
	b.largest = append(InternalKey(nil), key...)

	keyCopy := InternalKey(pools.GetBytesSized(len(key)))
	copy(keyCopy, key)
	valueCopy := pools.GetBytesSized(len(value))
	copy(valueCopy, value)

	b.sstEntries = append(b.sstEntries, sstEntry{Key: keyCopy, Value: valueCopy})
	b.entryCount++
	b.byteSize += int64(len(key) + len(value))
}

func (b *outputBuilder) addPmem(buffers *pmem.BufferSet, key InternalKey, value []byte, refTimes uint32) error {
	ok, err := b.pmemRun.Add(buffers, key, value, refTimes)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFreeListExhausted
	}
	b.entryCount++
	b.smallest = b.pmemRun.Smallest()
	b.largest = b.pmemRun.Largest()
	return nil
}

// isFull reports whether the builder has reached its close threshold:
// accumulated byte size for SST outputs, entry count (one below the
// cap) for PMEM outputs, so a single output can neither grow past
// max_file_size on disk nor drain the fixed node free list.
func (b *outputBuilder) isFull(opts Options) bool {
	if b.pmemRun != nil {
		return b.entryCount >= opts.maxOutputEntries()-1
	}
	return b.byteSize >= opts.maxOutputFileSize()
}

func (b *outputBuilder) addPmemByPtr(key InternalKey, ptr pmem.Pointer, refTimes uint32) error {
	ok, err := b.pmemRun.AddByPtr(key, ptr, refTimes)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFreeListExhausted
	}
	b.entryCount++
	b.smallest = b.pmemRun.Smallest()
	b.largest = b.pmemRun.Largest()
	return nil
}
