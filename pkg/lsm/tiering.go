package lsm

import (
	"container/list"
	"sync"
)

// TieringStats tracks which tier (block storage vs PMEM) owns each live
// file number, plus a per-level LRU order over PMEM residents used by
// LRUTiering's inline-eviction path. fileSet and skiplist stay disjoint:
// every number ever installed by a VersionEdit is in exactly one of them
// until it is deleted.
type TieringStats struct {
	mu         sync.Mutex
	fileSet    map[uint64]bool
	skiplist   map[uint64]bool
	lru        [NumLevels]*list.List
	lruElems   map[uint64]*list.Element
}

// NewTieringStats returns an empty TieringStats.
func NewTieringStats() *TieringStats {
	ts := &TieringStats{
		fileSet:  make(map[uint64]bool),
		skiplist: make(map[uint64]bool),
		lruElems: make(map[uint64]*list.Element),
	}
	for i := range ts.lru {
		ts.lru[i] = list.New()
	}
	return ts
}

// MarkSST records number as a block-storage resident and drops it from
// any PMEM LRU list.
func (ts *TieringStats) MarkSST(number uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.skiplist, number)
	ts.fileSet[number] = true
	ts.removeFromLRULocked(number)
}

// MarkPmem records number as a PMEM resident at level, pushing it to the
// front (most-recently-created) of that level's LRU list.
func (ts *TieringStats) MarkPmem(number uint64, level int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.fileSet, number)
	ts.skiplist[number] = true
	ts.removeFromLRULocked(number)
	elem := ts.lru[level].PushFront(number)
	ts.lruElems[number] = elem
}

// Remove drops number from both sets and any LRU list, called when a
// VersionEdit deletes the file.
func (ts *TieringStats) Remove(number uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.fileSet, number)
	delete(ts.skiplist, number)
	ts.removeFromLRULocked(number)
}

func (ts *TieringStats) removeFromLRULocked(number uint64) {
	elem, ok := ts.lruElems[number]
	if !ok {
		return
	}
	for _, l := range ts.lru {
		l.Remove(elem)
	}
	delete(ts.lruElems, number)
}

// IsSST / IsPmem report which tier currently owns number.
func (ts *TieringStats) IsSST(number uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.fileSet[number]
}

func (ts *TieringStats) IsPmem(number uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.skiplist[number]
}

// LeastRecentlyCreatedPmem returns the oldest PMEM-resident file number
// at level that is not in excluded, used by LRUTiering's inline eviction
// when the free list is exhausted mid-compaction.
func (ts *TieringStats) LeastRecentlyCreatedPmem(level int, excluded map[uint64]bool) (uint64, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for elem := ts.lru[level].Back(); elem != nil; elem = elem.Prev() {
		number := elem.Value.(uint64)
		if !excluded[number] {
			return number, true
		}
	}
	return 0, false
}
