package lsm

// Iterator walks the database's live keyspace in ascending user-key
// order, merging the active memtable, the immutable memtable (if a flush
// is in flight), and every sorted run in the current Version. For each
// user key it surfaces the newest version visible at the iterator's read
// sequence; deleted keys are skipped entirely.
//
// An Iterator pins the Version it was created against, so runs it reads
// from stay live even as compactions install newer Versions; PMEM-backed
// runs additionally hold a skiplist reference that defers their free
// until Close.
type Iterator struct {
	version *Version
	merge   *mergingIterator
	cmp     *InternalKeyComparator
	seq     uint64

	key         []byte
	value       []byte
	lastUserKey []byte
	valid       bool
	closed      bool
}

// memEntriesIterator adapts a memtable snapshot to the RunIterator
// contract the merging iterator consumes.
type memEntriesIterator struct {
	entries []memEntry
	pos     int
}

func newMemEntriesIterator(entries []memEntry) *memEntriesIterator {
	return &memEntriesIterator{entries: entries, pos: -1}
}

func (it *memEntriesIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *memEntriesIterator) Key() InternalKey { return it.entries[it.pos].key }
func (it *memEntriesIterator) Value() []byte    { return it.entries[it.pos].value }
func (it *memEntriesIterator) Err() error       { return nil }

// NewIterator returns an Iterator over the keyspace visible at
// ro.Snapshot (or the latest write if nil), positioned at the first key.
func (db *DB) NewIterator(ro ReadOptions) (*Iterator, error) {
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.sequence
	}

	db.mu.Lock()
	mem := db.memtable
	imm := db.immutable
	pmemRuns := db.pmemRuns
	db.mu.Unlock()

	v := db.versions.Current()

	iters := []RunIterator{newMemEntriesIterator(mem.Snapshot())}
	if imm != nil {
		iters = append(iters, newMemEntriesIterator(imm.Snapshot()))
	}
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.FilesAtLevel(level) {
			var run sortedRun
			if f.Residency == ResidencyPmem {
				run = pmemRuns[f.Number]
				if run == nil {
					continue
				}
			} else {
				table, err := db.tableCache.FindTable(f.Number)
				if err != nil {
					closeRunIterators(iters)
					v.Unref()
					return nil, IOErrorf("NewIterator", "opening run %d: %w", f.Number, err)
				}
				run = table
			}
			runIt, err := run.NewIterator()
			if err != nil {
				closeRunIterators(iters)
				v.Unref()
				return nil, IOErrorf("NewIterator", "iterating run %d: %w", f.Number, err)
			}
			iters = append(iters, runIt)
		}
	}

	it := &Iterator{
		version: v,
		merge:   newMergingIteratorFromIters(iters, db.cmp),
		cmp:     db.cmp,
		seq:     seq,
	}
	it.advance()
	return it, nil
}

// advance steps the underlying merge until it lands on the newest visible
// version of a not-yet-yielded, not-deleted user key.
func (it *Iterator) advance() {
	for it.merge.Valid() {
		key := it.merge.Key()
		value := it.merge.Value()
		it.merge.Next()

		if key.Sequence() > it.seq {
			continue
		}
		userKey := key.UserKey()
		if it.lastUserKey != nil && it.cmp.UserCmp(userKey, it.lastUserKey) == 0 {
			// An older version of a user key already resolved (yielded or
			// seen deleted) at this read sequence.
			continue
		}
		it.lastUserKey = append(it.lastUserKey[:0], userKey...)

		if key.Kind() == TypeDeletion {
			continue
		}

		it.key = append(it.key[:0], userKey...)
		it.value = append(it.value[:0], value...)
		it.valid = true
		return
	}
	it.valid = false
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid && !it.closed }

// Key returns the current entry's user key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.value }

// Next advances to the next live user key.
func (it *Iterator) Next() { it.advance() }

// Close releases the pinned Version and every underlying run iterator.
// Safe to call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	it.merge.Close()
	it.version.Unref()
	return nil
}
