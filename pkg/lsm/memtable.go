package lsm

import (
	"sort"
	"sync"
)

type memEntry struct {
	key   InternalKey
	value []byte
}

// MemTable is an in-memory ordered map from InternalKey to value bytes.
// Unlike a plain key/value map, multiple versions of the same user key can
// be present simultaneously (one per write sequence); ordering by
// InternalKeyComparator keeps the newest version of any user key first.
//
// A MemTable's lifecycle: created empty when the DB opens or when
// makeRoomForWrite rotates, inserted into by the head writer's batch
// group commit, frozen to "immutable" on rotation, and dropped once the
// background loop flushes it to a sorted run at the level
// PickLevelForMemTableOutput chooses.
type MemTable struct {
	mu      sync.RWMutex
	cmp     *InternalKeyComparator
	entries []memEntry
	sorted  bool
	size    int
	maxSize int
}

// NewMemTable creates an empty MemTable capped at maxSize approximate
// bytes, ordered by cmp (a byte-lexicographic user comparator if cmp is
// nil).
func NewMemTable(maxSize int, cmp *InternalKeyComparator) *MemTable {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	return &MemTable{
		cmp:     cmp,
		maxSize: maxSize,
		sorted:  true,
	}
}

// Add inserts one already-encoded InternalKey/value pair, used by both
// Put/Delete below and by WAL replay during recovery.
func (mt *MemTable) Add(key InternalKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.entries = append(mt.entries, memEntry{key: key, value: value})
	mt.sorted = false
	mt.size += len(key) + len(value)
}

// Put records a Value record for userKey at seq.
func (mt *MemTable) Put(userKey, value []byte, seq uint64) {
	mt.Add(MakeInternalKey(userKey, seq, TypeValue), value)
}

// Delete records a Deletion tombstone for userKey at seq.
func (mt *MemTable) Delete(userKey []byte, seq uint64) {
	mt.Add(MakeInternalKey(userKey, seq, TypeDeletion), nil)
}

func (mt *MemTable) ensureSorted() {
	if mt.sorted {
		return
	}
	sort.Slice(mt.entries, func(i, j int) bool {
		return mt.cmp.Compare(mt.entries[i].key, mt.entries[j].key) < 0
	})
	mt.sorted = true
}

// Get returns the value visible at seq for userKey: the newest record with
// sequence <= seq. ok is false if no such record exists; deleted is true
// if that record is a tombstone.
func (mt *MemTable) Get(userKey []byte, seq uint64) (value []byte, deleted bool, ok bool) {
	mt.mu.Lock()
	mt.ensureSorted()
	lookup := MakeInternalKey(userKey, seq, TypeValue)
	idx := sort.Search(len(mt.entries), func(i int) bool {
		return mt.cmp.Compare(mt.entries[i].key, lookup) >= 0
	})
	var found *memEntry
	if idx < len(mt.entries) {
		e := &mt.entries[idx]
		if mt.cmp.UserCmp(e.key.UserKey(), userKey) == 0 {
			found = e
		}
	}
	var result memEntry
	if found != nil {
		result = *found
		ok = true
	}
	mt.mu.Unlock()

	if !ok {
		return nil, false, false
	}
	return result.value, result.key.Kind() == TypeDeletion, true
}

// Size returns the approximate number of bytes of key+value data held.
func (mt *MemTable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// IsFull reports whether the table has reached its configured capacity and
// should be rotated to immutable.
func (mt *MemTable) IsFull() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= mt.maxSize
}

// Len returns the number of entries (including superseded versions and
// tombstones) currently held.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.entries)
}

// Snapshot returns every entry in ascending InternalKey order, the form a
// flush (BuildTable/WriteLevel0Table) or a merging read iterator consumes.
func (mt *MemTable) Snapshot() []memEntry {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.ensureSorted()
	out := make([]memEntry, len(mt.entries))
	copy(out, mt.entries)
	return out
}

// NewIterator returns a forward iterator over the table's current content
// in InternalKey order.
func (mt *MemTable) NewIterator() *memTableIterator {
	return &memTableIterator{entries: mt.Snapshot(), pos: -1}
}

type memTableIterator struct {
	entries []memEntry
	pos     int
}

func (it *memTableIterator) SeekToFirst() { it.pos = 0 }

func (it *memTableIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *memTableIterator) Next() { it.pos++ }

func (it *memTableIterator) Key() InternalKey { return it.entries[it.pos].key }

func (it *memTableIterator) Value() []byte { return it.entries[it.pos].value }
