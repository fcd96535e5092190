package lsm

import (
	"container/list"
	"io"
	"os"
	"sync"
)

// mmapThreshold is the file size above which TableCache opens a cold
// SSTable via golang.org/x/exp/mmap (MappedSSTable) instead of a
// buffered *os.File, since mmap's syscall-per-read savings only pay for
// themselves once a table is large enough to be re-read from many
// different offsets over its lifetime in cache.
const mmapThreshold = 8 << 20 // 8 MiB

// TableCache is an LRU cache of open SSTable handles, keyed by file
// number. It caches the file handle itself (and its in-memory
// index/bloom filter) rather than decoded value bytes, and keeps at
// most capacity handles open, closing the least recently used one when
// a new table is opened past that limit.
// Handles above mmapThreshold are opened as *MappedSSTable rather than
// *SSTable; both satisfy sortedRun so callers don't care which backs a
// given file.
type TableCache struct {
	mu       sync.Mutex
	dir      string
	cmp      *InternalKeyComparator
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List

	hits   int64
	misses int64
}

type tableCacheEntry struct {
	fileNumber uint64
	table      sortedRun
}

func closeTable(table sortedRun) {
	if closer, ok := table.(io.Closer); ok {
		closer.Close()
	}
}

// NewTableCache creates a table cache rooted at dir with room for
// capacity concurrently-open SSTable handles.
func NewTableCache(dir string, cmp *InternalKeyComparator, capacity int) *TableCache {
	if capacity < 1 {
		capacity = 1
	}
	return &TableCache{
		dir:      dir,
		cmp:      cmp,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// FindTable returns the open sortedRun for fileNumber, opening it (and
// evicting the least-recently-used handle if the cache is full) on a
// miss.
func (tc *TableCache) FindTable(fileNumber uint64) (sortedRun, error) {
	tc.mu.Lock()
	if elem, ok := tc.entries[fileNumber]; ok {
		tc.lru.MoveToFront(elem)
		tc.hits++
		table := elem.Value.(*tableCacheEntry).table
		tc.mu.Unlock()
		return table, nil
	}
	tc.misses++
	tc.mu.Unlock()

	path := SSTablePath(tc.dir, fileNumber)
	table, err := tc.openTable(path)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.entries[fileNumber]; ok {
		tc.lru.MoveToFront(elem)
		closeTable(table)
		return elem.Value.(*tableCacheEntry).table, nil
	}

	elem := tc.lru.PushFront(&tableCacheEntry{fileNumber: fileNumber, table: table})
	tc.entries[fileNumber] = elem

	if tc.lru.Len() > tc.capacity {
		tc.evictOldest()
	}
	return table, nil
}

// openTable opens path as a *MappedSSTable when it is at least
// mmapThreshold bytes, otherwise as a regular *SSTable.
func (tc *TableCache) openTable(path string) (sortedRun, error) {
	if info, err := os.Stat(path); err == nil && info.Size() >= mmapThreshold {
		return OpenMappedSSTable(path, tc.cmp)
	}
	return OpenSSTable(path, tc.cmp)
}

// Get looks up key in fileNumber's SSTable, opening it via FindTable if
// not already cached.
func (tc *TableCache) Get(fileNumber uint64, key InternalKey) ([]byte, bool, error) {
	table, err := tc.FindTable(fileNumber)
	if err != nil {
		return nil, false, err
	}
	return table.Get(key)
}

// Evict drops fileNumber from the cache and closes its handle, called
// when a VersionEdit removes the file (post-compaction cleanup).
func (tc *TableCache) Evict(fileNumber uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	elem, ok := tc.entries[fileNumber]
	if !ok {
		return
	}
	tc.lru.Remove(elem)
	delete(tc.entries, fileNumber)
	closeTable(elem.Value.(*tableCacheEntry).table)
}

func (tc *TableCache) evictOldest() {
	elem := tc.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*tableCacheEntry)
	tc.lru.Remove(elem)
	delete(tc.entries, entry.fileNumber)
	closeTable(entry.table)
}

// Stats returns cache hit/miss counters, surfaced via metrics.
func (tc *TableCache) Stats() (hits, misses int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.hits, tc.misses
}

// Close evicts and closes every cached handle, called during DB
// shutdown.
func (tc *TableCache) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, elem := range tc.entries {
		closeTable(elem.Value.(*tableCacheEntry).table)
	}
	tc.entries = make(map[uint64]*list.Element)
	tc.lru = list.New()
}
