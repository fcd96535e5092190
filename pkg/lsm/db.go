package lsm

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dd0wney/lsmpmem/pkg/logging"
	"github.com/dd0wney/lsmpmem/pkg/metrics"
	"github.com/dd0wney/lsmpmem/pkg/pmem"
	"github.com/dd0wney/lsmpmem/pkg/wal"
)

// DB is the storage engine façade: Open/Put/Delete/Write/Get/
// NewIterator/GetSnapshot/ReleaseSnapshot/CompactRange/GetProperty, tying
// together the memtable/WAL write path, the VersionSet/Version read path,
// and the background compaction engine behind one mutex.
type DB struct {
	mu sync.Mutex

	dir      string
	opts     Options
	cmp      *InternalKeyComparator
	fileLock *flock.Flock

	memtable  *MemTable
	immutable *MemTable

	versions   *VersionSet
	tableCache *TableCache
	tiering    *TieringStats

	pmemRegistry *pmem.Registry
	pmemManager  *pmem.Manager
	pmemBuffers  *pmem.BufferSet
	pmemRuns     map[uint64]*pmemRun

	// pendingRefTimes carries a PMEM-resident key's accumulated
	// ref_times across the window between collectPendingRefTimes and
	// clearPendingRefTimes in one compaction (compaction.go).
	pendingRefTimes map[string]uint32

	writerQueue *WriterQueue

	log       *wal.SegmentWriter
	logNumber uint64

	snapshots *list.List

	compactionCh chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup

	bgError error

	logger  logging.Logger
	metrics *metrics.Registry
}

// Snapshot pins a read sequence number so a long-running reader sees a
// consistent view even as later writes and compactions proceed.
type Snapshot struct {
	sequence uint64
	elem     *list.Element
}

func walPath(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", number))
}

// newSegmentWriter opens number's WAL segment, snappy-compressing
// records when Options.WALCompression is set.
func (db *DB) newSegmentWriter(number uint64) (*wal.SegmentWriter, error) {
	path := walPath(db.dir, number)
	if db.opts.WALCompression {
		return wal.NewSegmentWriterCompressed(path)
	}
	return wal.NewSegmentWriter(path)
}

// newSegmentReader opens file for replay, matching the compression mode
// records were written with.
func (db *DB) newSegmentReader(file *os.File) *wal.SegmentReader {
	if db.opts.WALCompression {
		return wal.NewSegmentReaderCompressed(file)
	}
	return wal.NewSegmentReader(file)
}

// Open creates (if CreateIfMissing) or recovers a DB rooted at dir.
func Open(dir string, opts Options) (*DB, error) {
	if err := wal.EnsureDir(dir); err != nil {
		return nil, IOErrorf("Open", "creating %s: %w", dir, err)
	}
	if opts.DSType == DSHashmap {
		return nil, InvalidArgumentError("Open", fmt.Errorf("ds_type %q not implemented", opts.DSType))
	}

	fileLock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, IOErrorf("Open", "acquiring lock on %s: %w", dir, err)
	}
	if !locked {
		return nil, IOErrorf("Open", "database %s is locked by another process", dir)
	}

	cmp := NewInternalKeyComparator(nil)
	db := &DB{
		dir:             dir,
		opts:            opts,
		cmp:             cmp,
		fileLock:        fileLock,
		pmemRuns:        make(map[uint64]*pmemRun),
		pendingRefTimes: make(map[string]uint32),
		snapshots:       list.New(),
		compactionCh:    make(chan struct{}, 1),
		closeCh:         make(chan struct{}),
		logger:          logging.DefaultLogger(),
		metrics:         metrics.DefaultRegistry(),
	}

	if opts.UsePmemBuffer {
		registry := pmem.NewRegistry()
		shards := opts.NumBuffers
		if shards < 1 {
			shards = DefaultBufferShards
		}
		perBuffer := opts.WriteBufferSize
		if perBuffer < 1 {
			perBuffer = DefaultWriteBufferSize
		}
		bufSet, err := pmem.NewBufferSet(registry, shards, perBuffer)
		if err != nil {
			fileLock.Unlock()
			return nil, IOErrorf("Open", "creating pmem buffers: %w", err)
		}
		capacity := opts.NumPreAllocNode
		if capacity < 1 {
			capacity = pmem.DefaultFreeListCapacity
		}
		promotion := pmem.PromotionCoinFlip
		if opts.DeterministicPromotion {
			promotion = pmem.PromotionDeterministic
		}
		db.pmemRegistry = registry
		db.pmemBuffers = bufSet
		db.pmemManager = pmem.NewManager(capacity, registry, promotion)
	}

	db.tiering = NewTieringStats()

	if wal.FileExists(currentPath(dir)) {
		if opts.ErrorIfExists {
			fileLock.Unlock()
			return nil, InvalidArgumentError("Open", fmt.Errorf("database %s already exists", dir))
		}
		if err := db.recover(); err != nil {
			fileLock.Unlock()
			return nil, err
		}
	} else {
		if !opts.CreateIfMissing {
			fileLock.Unlock()
			return nil, InvalidArgumentError("Open", fmt.Errorf("database %s does not exist", dir))
		}
		if err := db.bootstrap(); err != nil {
			fileLock.Unlock()
			return nil, err
		}
	}

	db.tableCache = NewTableCache(dir, cmp, opts.TableCacheSize())
	db.writerQueue = NewWriterQueue(opts.CompactionConcurrency)

	db.wg.Add(1)
	go db.backgroundLoop()

	db.logger.Info("db opened", logging.Path(dir), logging.Uint64("log_number", db.logNumber))
	return db, nil
}

// bootstrap initializes a brand-new database directory: an empty
// VersionSet, its first MANIFEST, and an initial WAL segment.
func (db *DB) bootstrap() error {
	db.versions = NewVersionSet(db.dir, db.cmp)

	manifestNumber := db.versions.NewFileNumber()
	mw, err := newManifestWriter(db.dir, manifestNumber)
	if err != nil {
		return err
	}
	db.versions.manifestFile = manifestNumber
	db.versions.manifestLog = mw

	logNumber := db.versions.NewFileNumber()
	seg, err := db.newSegmentWriter(logNumber)
	if err != nil {
		return IOErrorf("bootstrap", "creating WAL segment: %w", err)
	}
	db.log = seg
	db.logNumber = logNumber
	db.memtable = NewMemTable(db.opts.WriteBufferSize, db.cmp)

	edit := NewVersionEdit()
	edit.SetLogNumber(logNumber)
	edit.SetLastSequence(0)
	if _, err := db.versions.LogAndApply(edit); err != nil {
		return err
	}
	return nil
}

// Put writes a single Value record as its own batch.
func (db *DB) Put(wo WriteOptions, key, value []byte) error {
	b := &wal.WriteBatch{}
	b.Put(key, value)
	return db.Write(wo, b)
}

// Delete writes a single Deletion tombstone as its own batch.
func (db *DB) Delete(wo WriteOptions, key []byte) error {
	b := &wal.WriteBatch{}
	b.Delete(key)
	return db.Write(wo, b)
}

// Write enqueues batch on the writer queue, becomes (or waits for) the
// batch-group leader, commits the group to the WAL and memtable, and
// returns once every writer in the group has a result.
func (db *DB) Write(wo WriteOptions, batch *wal.WriteBatch) error {
	if batch == nil || len(batch.Records) == 0 {
		return nil
	}

	req := &writeBatchRequest{}
	for _, r := range batch.Records {
		req.records = append(req.records, batchRecordRequest{
			deletion: r.Tag == wal.TagDeletion,
			key:      r.Key,
			value:    r.Value,
		})
	}

	w := &pendingWriter{batch: req, sync: wo.Sync}
	db.writerQueue.enqueue(w)
	db.writerQueue.waitForTurn(w)
	if w.done {
		return w.status
	}

	if err := db.makeRoomForWrite(false); err != nil {
		db.writerQueue.completeGroup([]*pendingWriter{w}, err)
		return err
	}

	group := db.writerQueue.buildBatchGroup()
	status := db.commitGroup(group)
	db.writerQueue.completeGroup(group, status)
	return w.status
}

func (db *DB) commitGroup(group []*pendingWriter) error {
	total := 0
	anySync := false
	for _, pw := range group {
		total += len(pw.batch.records)
		anySync = anySync || pw.sync
	}
	if total == 0 {
		return nil
	}

	db.mu.Lock()
	if db.bgError != nil {
		db.mu.Unlock()
		return db.bgError
	}
	startSeq := db.versions.NextSequence(total)
	wb := &wal.WriteBatch{Sequence: startSeq}
	for _, pw := range group {
		for _, r := range pw.batch.records {
			if r.deletion {
				wb.Delete(r.key)
			} else {
				wb.Put(r.key, r.value)
			}
		}
	}
	logw := db.log
	db.mu.Unlock()

	if err := logw.AddRecord(wb.Encode()); err != nil {
		return IOErrorf("commitGroup", "appending WAL record: %w", err)
	}
	var err error
	if anySync {
		err = logw.Sync()
	} else {
		err = logw.Flush()
	}
	if err != nil {
		return IOErrorf("commitGroup", "flushing WAL: %w", err)
	}

	db.mu.Lock()
	seq := startSeq
	for _, r := range wb.Records {
		if r.Tag == wal.TagDeletion {
			db.memtable.Delete(r.Key, seq)
		} else {
			db.memtable.Put(r.Key, r.Value, seq)
		}
		seq++
	}
	db.mu.Unlock()

	db.metrics.RecordBatchGroup(len(group))
	return nil
}

// makeRoomForWrite implements the stall/rotate decision in priority
// order: a background error fails fast, a one-time 1ms soft delay applies
// whenever L0 is at its slowdown trigger, then the call returns
// immediately if the memtable still has room. Only once a rotation is
// actually needed does it wait out an in-flight flush or a hard L0
// stop-trigger stall, finally rotating the memtable to immutable and
// opening a fresh WAL segment.
func (db *DB) makeRoomForWrite(force bool) error {
	db.mu.Lock()
	allowDelay := true
	for {
		if db.bgError != nil {
			db.mu.Unlock()
			return db.bgError
		}

		v := db.versions.Current()
		l0 := len(v.FilesAtLevel(0))
		v.Unref()

		if allowDelay && l0 >= L0SlowdownWritesTrigger {
			// Soft, one-time-per-call throttle: give the background
			// compaction a head start before considering a harder stall.
			db.mu.Unlock()
			db.writerQueue.sleepForDelay()
			allowDelay = false
			db.mu.Lock()
			continue
		}

		if !force && !db.memtable.IsFull() {
			break
		}

		if db.immutable != nil {
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			db.maybeScheduleCompaction()
			db.mu.Lock()
			continue
		}

		if l0 >= L0StopWritesTrigger {
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			db.maybeScheduleCompaction()
			db.mu.Lock()
			continue
		}

		newLogNumber := db.versions.NewFileNumber()
		seg, err := db.newSegmentWriter(newLogNumber)
		if err != nil {
			db.mu.Unlock()
			return IOErrorf("makeRoomForWrite", "opening new WAL segment: %w", err)
		}
		oldLog := db.log
		db.immutable = db.memtable
		db.memtable = NewMemTable(db.opts.WriteBufferSize, db.cmp)
		db.log = seg
		db.logNumber = newLogNumber
		db.mu.Unlock()

		if oldLog != nil {
			oldLog.Close()
		}
		db.maybeScheduleCompaction()
		db.mu.Lock()
		break
	}
	db.mu.Unlock()
	return nil
}

// maybeScheduleCompaction wakes the background loop without blocking; a
// full channel means a wakeup is already pending.
func (db *DB) maybeScheduleCompaction() {
	select {
	case db.compactionCh <- struct{}{}:
	default:
	}
}

// backgroundLoop is the single background worker: it always prioritizes
// a pending memtable flush over a picked compaction, since
// BackgroundCompaction already does the flush-first check.
func (db *DB) backgroundLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-db.closeCh:
			return
		case <-db.compactionCh:
		case <-ticker.C:
		}

		for {
			db.mu.Lock()
			hasWork := db.immutable != nil
			db.mu.Unlock()

			if err := db.BackgroundCompaction(); err != nil {
				db.mu.Lock()
				db.bgError = err
				db.mu.Unlock()
				db.logger.Error("background compaction failed", logging.Error(err))
				break
			}
			if !hasWork {
				break
			}
		}

		select {
		case <-db.closeCh:
			return
		default:
		}
	}
}

// flushMemTable writes imm to a new level-0 (or deeper, per
// PickLevelForMemTableOutput) sorted run and installs it via a
// VersionEdit, the memtable-compaction half of the compaction engine.
func (db *DB) flushMemTable(imm *MemTable) error {
	start := time.Now()
	entries := imm.Snapshot()
	if len(entries) == 0 {
		db.mu.Lock()
		db.immutable = nil
		db.mu.Unlock()
		return nil
	}

	number := db.versions.NewFileNumber()
	path := SSTablePath(db.dir, number)

	sstEntries := make([]sstEntry, len(entries))
	for i, e := range entries {
		sstEntries[i] = sstEntry{Key: e.key, Value: e.value}
	}

	sst, err := BuildSSTable(path, sstEntries, db.cmp, false)
	if err != nil {
		return IOErrorf("flushMemTable", "building level-0 table: %w", err)
	}
	smallest, largest := sst.Smallest(), sst.Largest()
	fileSize := sst.FileSize()
	sst.Close()

	v := db.versions.Current()
	level := db.versions.PickLevelForMemTableOutput(v, smallest, largest)
	v.Unref()

	edit := NewVersionEdit()
	edit.AddFile(level, &FileMetaData{
		Number:       number,
		FileSize:     fileSize,
		Smallest:     smallest,
		Largest:      largest,
		Residency:    ResidencySST,
		AllowedSeeks: 1 << 20,
	})
	edit.SetLogNumber(db.logNumber)

	if _, err := db.versions.LogAndApply(edit); err != nil {
		return err
	}
	db.tiering.MarkSST(number)

	db.mu.Lock()
	db.immutable = nil
	db.mu.Unlock()

	db.metrics.RecordCompaction("flush", time.Since(start), 0, fileSize)
	db.logger.Info("memtable flushed", logging.FileNumber(number), logging.LSMLevel(level), logging.Count(len(entries)))
	return nil
}

// oldestSnapshotOrLastSequence returns the smallest sequence number any
// held Snapshot still pins, or the current last_sequence if no snapshot
// is held, the bound compaction's drop rules check visibility against.
func (db *DB) oldestSnapshotOrLastSequence() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if front := db.snapshots.Front(); front != nil {
		return front.Value.(*Snapshot).sequence
	}
	return db.versions.LastSequence()
}

// GetSnapshot pins the current last_sequence so a reader can see a
// consistent view across subsequent writes and compactions.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	snap := &Snapshot{sequence: db.versions.LastSequence()}
	snap.elem = db.snapshots.PushBack(snap)
	return snap
}

// ReleaseSnapshot unpins snap, allowing compaction to drop records it
// was the sole reason for keeping.
func (db *DB) ReleaseSnapshot(snap *Snapshot) {
	if snap == nil || snap.elem == nil {
		return
	}
	db.mu.Lock()
	db.snapshots.Remove(snap.elem)
	db.mu.Unlock()
}

// Get looks up key as of ro.Snapshot (or the latest write if nil),
// consulting the active memtable, the immutable memtable (if a flush is
// in flight), then the current Version across every level.
func (db *DB) Get(ro ReadOptions, key []byte) ([]byte, error) {
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.sequence
	}

	db.mu.Lock()
	mem := db.memtable
	imm := db.immutable
	db.mu.Unlock()

	if value, deleted, ok := mem.Get(key, seq); ok {
		if deleted {
			return nil, NotFoundError("Get")
		}
		return value, nil
	}
	if imm != nil {
		if value, deleted, ok := imm.Get(key, seq); ok {
			if deleted {
				return nil, NotFoundError("Get")
			}
			return value, nil
		}
	}

	v := db.versions.Current()
	defer v.Unref()

	db.mu.Lock()
	pmemRuns := db.pmemRuns
	db.mu.Unlock()

	lookup := MakeInternalKey(key, seq, TypeValue)
	value, found, err := v.Get(lookup, db.tableCache, pmemRuns)
	if err != nil {
		return nil, IOErrorf("Get", "version lookup: %w", err)
	}
	if !found || value == nil {
		return nil, NotFoundError("Get")
	}
	return value, nil
}

// CompactRange runs a manual compaction covering [begin, end] (nil
// bounds mean unbounded). It runs synchronously on the calling goroutine
// rather than waiting for the background picker, visiting every level
// from 0 to NumLevels-2 in turn and compacting the files at that level
// that overlap the range; levels with no overlapping file are skipped.
func (db *DB) CompactRange(begin, end []byte) error {
	for level := 0; level < NumLevels-1; level++ {
		v := db.versions.Current()
		lo, hi := db.rangeBounds(begin, end)
		overlapping := v.overlappingInputs(level, lo, hi, db.cmp)
		v.Unref()
		if len(overlapping) == 0 {
			continue
		}
		if err := db.manualCompactLevel(level, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// rangeBounds turns a user-facing [begin, end] range (nil meaning
// unbounded on that side) into InternalKey bounds overlappingInputs can
// compare against. An unbounded end is approximated with a single 0xff
// byte, which sorts after any key this engine is expected to store;
// CompactRange over a true unbounded range is the caller's signal to
// compact everything, not a precise range query.
func (db *DB) rangeBounds(begin, end []byte) (InternalKey, InternalKey) {
	lo := MakeInternalKey(begin, maxSequence, TypeValue)
	hiKey := end
	if hiKey == nil {
		hiKey = []byte{0xff}
	}
	hi := MakeInternalKey(hiKey, 0, TypeDeletion)
	return lo, hi
}

const maxSequence = ^uint64(0) >> 8

func (db *DB) manualCompactLevel(level int, lo, hi InternalKey) error {
	v := db.versions.Current()
	inputs0 := v.overlappingInputs(level, lo, hi, db.cmp)
	if len(inputs0) == 0 {
		v.Unref()
		return nil
	}
	smallest, largest := rangeOf(inputs0, db.cmp)
	inputs1 := v.overlappingInputs(level+1, smallest, largest, db.cmp)
	c := &Compaction{level: level}
	c.inputs[0] = inputs0
	c.inputs[1] = inputs1
	if level+2 < NumLevels {
		c.grandparents = v.overlappingInputs(level+2, smallest, largest, db.cmp)
	}
	c.maxGrandparentOverlap = 10 * levelSoftCap(level)
	v.Unref()

	return db.doCompactionWork(c)
}

// GetProperty answers a small set of introspection properties, e.g.
// "lsm.num-files-at-level<N>" and "lsm.stats".
func (db *DB) GetProperty(name string) (string, bool) {
	var level int
	if n, err := fmt.Sscanf(name, "lsm.num-files-at-level%d", &level); err == nil && n == 1 {
		v := db.versions.Current()
		defer v.Unref()
		if level < 0 || level >= NumLevels {
			return "", false
		}
		return fmt.Sprintf("%d", len(v.FilesAtLevel(level))), true
	}
	switch name {
	case "lsm.stats":
		v := db.versions.Current()
		defer v.Unref()
		hits, misses := db.tableCache.Stats()
		s := fmt.Sprintf("last_sequence=%d table_cache_hits=%d table_cache_misses=%d", db.versions.LastSequence(), hits, misses)
		for l := 0; l < NumLevels; l++ {
			s += fmt.Sprintf(" level%d_files=%d", l, len(v.FilesAtLevel(l)))
		}
		return s, true
	case "lsm.sstables":
		v := db.versions.Current()
		defer v.Unref()
		var b strings.Builder
		for l := 0; l < NumLevels; l++ {
			files := v.FilesAtLevel(l)
			if len(files) == 0 {
				continue
			}
			fmt.Fprintf(&b, "--- level %d ---\n", l)
			for _, f := range files {
				tier := "sst"
				if f.Residency == ResidencyPmem {
					tier = "pmem"
				}
				fmt.Fprintf(&b, "%d:%d[%s] %q .. %q\n", f.Number, f.FileSize, tier,
					f.Smallest.UserKey(), f.Largest.UserKey())
			}
		}
		return b.String(), true
	case "lsm.approximate-memory-usage":
		db.mu.Lock()
		usage := db.memtable.Size()
		if db.immutable != nil {
			usage += db.immutable.Size()
		}
		db.mu.Unlock()
		return fmt.Sprintf("%d", usage), true
	case "lsm.writer-stall-micros":
		return fmt.Sprintf("%d", db.writerQueue.TotalDelayedMicros()), true
	default:
		return "", false
	}
}

// Close stops the background worker, flushes any in-flight immutable
// memtable, and releases every open handle.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		close(db.closeCh)
	})
	db.wg.Wait()

	db.mu.Lock()
	imm := db.immutable
	db.mu.Unlock()
	if imm != nil {
		if err := db.flushMemTable(imm); err != nil {
			db.logger.Error("flush on close failed", logging.Error(err))
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.log != nil {
		db.log.Close()
	}
	if db.versions.manifestLog != nil {
		db.versions.manifestLog.Close()
	}
	db.tableCache.Close()
	if db.fileLock != nil {
		db.fileLock.Unlock()
	}
	return nil
}
