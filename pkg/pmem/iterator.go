package pmem

import "sync/atomic"

// Iterator walks a Skiplist's indexed entries in ascending key order. Key()
// returns the key bytes cached in the node at insert time; Value() defers
// dereferencing the node's buffer pointer until first asked for, since most
// callers (range scans that skip most entries via bloom filters or
// key-range checks) never need the value at all.
//
// An Iterator holds a reference on its owning Skiplist for its whole
// lifetime: DeleteFileWithCheckRef will not actually free the instance's
// nodes while any Iterator over it remains open. Callers must call Close.
type Iterator struct {
	list   *Skiplist
	reader *Registry
	cur    *node
	value  []byte
	cached bool
	closed bool
}

func (s *Skiplist) newIteratorAt(n *node) *Iterator {
	atomic.AddInt32(&s.iterRefs, 1)
	return &Iterator{
		list:   s,
		reader: s.manager.reader,
		cur:    n,
	}
}

// NewIterator returns an Iterator positioned before the first entry; call
// SeekToFirst, SeekToLast, or Seek before reading.
func (s *Skiplist) NewIterator() *Iterator {
	atomic.AddInt32(&s.iterRefs, 1)
	return &Iterator{
		list:   s,
		reader: s.manager.reader,
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return !it.closed && it.cur != nil
}

// SeekToFirst repositions the iterator at the lowest indexed key.
func (it *Iterator) SeekToFirst() {
	it.list.mu.RLock()
	it.cur = it.list.head.next[0]
	it.list.mu.RUnlock()
	it.value = nil
	it.cached = false
}

// SeekToLast repositions the iterator at the highest indexed key.
func (it *Iterator) SeekToLast() {
	it.list.mu.RLock()
	cur := it.list.head
	for k := SkiplistLevels - 1; k >= 0; k-- {
		for cur.next[k] != nil {
			cur = cur.next[k]
		}
	}
	if cur == it.list.head {
		cur = nil
	}
	it.list.mu.RUnlock()
	it.cur = cur
	it.value = nil
	it.cached = false
}

// Seek repositions the iterator at the first indexed key >= key.
func (it *Iterator) Seek(key []byte) {
	it.list.mu.RLock()
	var preds [SkiplistLevels]*node
	it.list.findPredecessors(key, &preds)
	it.list.mu.RUnlock()
	it.cur = preds[0].next[0]
	it.value = nil
	it.cached = false
}

// SeekForPrev repositions the iterator at the last indexed key <= key.
func (it *Iterator) SeekForPrev(key []byte) {
	it.list.mu.RLock()
	var preds [SkiplistLevels]*node
	it.list.findPredecessors(key, &preds)
	cur := preds[0]
	if next := cur.next[0]; next != nil && it.list.cmp(next.key, key) == 0 {
		cur = next
	}
	it.list.mu.RUnlock()
	if cur == it.list.head {
		cur = nil
	}
	it.cur = cur
	it.value = nil
	it.cached = false
}

// Next advances the iterator to the next indexed key.
func (it *Iterator) Next() {
	if it.cur == nil {
		return
	}
	it.list.mu.RLock()
	it.cur = it.cur.next[0]
	it.list.mu.RUnlock()
	it.value = nil
	it.cached = false
}

// Key returns the current entry's key. It is cached in the node itself, so
// this never touches the backing Buffer.
func (it *Iterator) Key() []byte {
	if it.cur == nil {
		return nil
	}
	return it.cur.key
}

// BufferPtr returns the current entry's pointer into its PMEM buffer.
func (it *Iterator) BufferPtr() Pointer {
	if it.cur == nil {
		return Pointer{}
	}
	return it.cur.ptr
}

// RefTimes returns the current entry's hotness counter as of the last read.
// It does not itself increment the counter; that happens on lookup hits,
// via Skiplist.Get or BumpRefTimes.
func (it *Iterator) RefTimes() uint32 {
	if it.cur == nil {
		return 0
	}
	return atomic.LoadUint32(&it.cur.refTimes)
}

// BumpRefTimes increments the current entry's hotness counter by one,
// saturating at the counter's 16-bit ceiling. Callers that locate a
// node by Seek rather than Skiplist.Get use this to keep the
// one-increment-per-hit contract.
func (it *Iterator) BumpRefTimes() {
	if it.cur != nil {
		bumpRefTimes(&it.cur.refTimes)
	}
}

// Value dereferences the current entry's buffer pointer and returns its
// value bytes, caching the result for subsequent calls at the same
// position.
func (it *Iterator) Value() ([]byte, error) {
	if it.cur == nil {
		return nil, nil
	}
	if it.cached {
		return it.value, nil
	}
	if it.reader == nil || it.cur.ptr.IsZero() {
		return nil, nil
	}
	_, value, err := it.reader.ReadEntry(it.cur.ptr)
	if err != nil {
		return nil, err
	}
	it.value = value
	it.cached = true
	return it.value, nil
}

// Close releases the iterator's reference on its owning Skiplist. If the
// instance was marked for deferred deletion and this was the last
// outstanding reference, its nodes are returned to the free list now.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	s := it.list
	if atomic.AddInt32(&s.iterRefs, -1) == 0 && atomic.CompareAndSwapInt32(&s.pendingFree, 1, 0) {
		s.releaseAll()
	}
	return nil
}
