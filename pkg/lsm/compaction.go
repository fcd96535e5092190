package lsm

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/lsmpmem/pkg/logging"
	"github.com/dd0wney/lsmpmem/pkg/pools"
)

// mergeItem is one (iterator, current record) pair held in the merge
// heap built for a compaction's input.
type mergeItem struct {
	it  RunIterator
	key InternalKey
}

type mergeHeap struct {
	items []*mergeItem
	cmp   *InternalKeyComparator
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.cmp.Compare(h.items[i].key, h.items[j].key) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// mergingIterator walks every input run's iterator in ascending
// InternalKey order: a flat heap over every input run's own iterator,
// which yields the same total order as a two-level per-file iterator
// without needing one.
type mergingIterator struct {
	heap  *mergeHeap
	iters []RunIterator
	key   InternalKey
	value []byte
	valid bool
}

func newMergingIterator(runs []sortedRun, cmp *InternalKeyComparator) (*mergingIterator, error) {
	iters := make([]RunIterator, 0, len(runs))
	for _, r := range runs {
		it, err := r.NewIterator()
		if err != nil {
			closeRunIterators(iters)
			return nil, err
		}
		iters = append(iters, it)
	}
	return newMergingIteratorFromIters(iters, cmp), nil
}

func newMergingIteratorFromIters(iters []RunIterator, cmp *InternalKeyComparator) *mergingIterator {
	h := &mergeHeap{cmp: cmp}
	heap.Init(h)
	for _, it := range iters {
		if it.Next() {
			heap.Push(h, &mergeItem{it: it, key: it.Key()})
		}
	}
	mi := &mergingIterator{heap: h, iters: iters}
	mi.advance()
	return mi
}

func closeRunIterators(iters []RunIterator) {
	for _, it := range iters {
		if closer, ok := it.(io.Closer); ok {
			closer.Close()
		}
	}
}

func (mi *mergingIterator) advance() {
	if mi.heap.Len() == 0 {
		mi.valid = false
		return
	}
	top := mi.heap.items[0]
	mi.key = top.key
	mi.value = top.it.Value()
	mi.valid = true

	if top.it.Next() {
		top.key = top.it.Key()
		heap.Fix(mi.heap, 0)
	} else {
		heap.Pop(mi.heap)
	}
}

func (mi *mergingIterator) Valid() bool      { return mi.valid }
func (mi *mergingIterator) Key() InternalKey { return mi.key }
func (mi *mergingIterator) Value() []byte    { return mi.value }
func (mi *mergingIterator) Next()            { mi.advance() }

// Close releases every input iterator, including ones already drained
// out of the heap; PMEM-backed inputs drop their skiplist reference here
// so a deferred delete_file_with_check_ref can complete.
func (mi *mergingIterator) Close() error {
	closeRunIterators(mi.iters)
	mi.iters = nil
	return nil
}

// BackgroundCompaction is the compaction engine's entry point. If an
// immutable memtable is present, it is always flushed first (memtable
// compaction is prioritized over a picked compaction). Otherwise a
// compaction is picked via VersionSet; a trivial move commits a
// VersionEdit directly, anything else runs DoCompactionWork.
func (db *DB) BackgroundCompaction() error {
	db.mu.Lock()
	if db.bgError != nil {
		db.mu.Unlock()
		return db.bgError
	}

	if db.immutable != nil {
		imm := db.immutable
		db.mu.Unlock()
		return db.flushMemTable(imm)
	}

	v := db.versions.Current()
	defer v.Unref()
	db.mu.Unlock()

	c := db.versions.PickCompaction(v)
	if c == nil {
		return nil
	}

	if c.IsTrivialMove() {
		edit := NewVersionEdit()
		f := c.inputs[0][0]
		edit.DeleteFile(c.level, f.Number)
		edit.AddFile(c.level+1, &FileMetaData{
			Number: f.Number, FileSize: f.FileSize, Smallest: f.Smallest,
			Largest: f.Largest, Residency: f.Residency, AllowedSeeks: f.AllowedSeeks,
		})
		_, err := db.versions.LogAndApply(edit)
		return err
	}

	return db.doCompactionWork(c)
}

// doCompactionWork runs the merge loop: it reads every input run in
// sorted order, applies the drop rules, and routes each surviving entry
// to a warm or hot output builder depending on the active tiering mode
// and the entry's hotness.
func (db *DB) doCompactionWork(c *Compaction) error {
	start := time.Now()
	v := db.versions.Current()
	defer v.Unref()

	runs, err := db.openInputRuns(c)
	if err != nil {
		return err
	}
	collectedKeys := db.collectPendingRefTimes(runs)
	defer db.clearPendingRefTimes(collectedKeys)

	var bytesRead int64
	for _, f := range c.InputFiles() {
		bytesRead += f.FileSize
	}

	merge, err := newMergingIterator(runs, db.cmp)
	if err != nil {
		return err
	}
	defer merge.Close()

	state := &compactionState{
		compaction:       c,
		opts:             db.opts,
		smallestSnapshot: db.oldestSnapshotOrLastSequence(),
		seenUserKeys:     make(map[string]uint64),
	}

	anyInputSST := false
	for _, f := range c.InputFiles() {
		if f.Residency == ResidencySST {
			anyInputSST = true
		}
	}

	for merge.Valid() {
		key := merge.Key()
		value := merge.Value()

		db.mu.Lock()
		imm := db.immutable
		db.mu.Unlock()
		if imm != nil {
			if err := db.flushMemTable(imm); err != nil {
				return err
			}
		}

		if c.shouldStopBefore(key, db.cmp) {
			if err := db.finishOutput(state); err != nil {
				return err
			}
		}

		drop := false
		userKey := string(key.UserKey())
		if lastSeq, seen := state.seenUserKeys[userKey]; seen {
			if lastSeq <= state.smallestSnapshot {
				drop = true
				db.metrics.RecordDroppedKey("superseded")
			}
		}
		state.seenUserKeys[userKey] = key.Sequence()

		if !drop && key.Kind() == TypeDeletion && key.Sequence() <= state.smallestSnapshot &&
			c.IsBaseLevelForKey(key.UserKey(), v, db.cmp) {
			drop = true
			db.metrics.RecordDroppedKey("tombstone_base_level")
		}

		if !drop {
			if err := db.routeCompactionEntry(state, key, value, anyInputSST); err != nil {
				return err
			}
		}

		merge.Next()
	}

	if err := db.finishOutput(state); err != nil {
		return err
	}

	var bytesWritten int64
	for _, out := range state.outputs {
		bytesWritten += out.meta.FileSize
	}
	db.metrics.RecordCompaction(fmt.Sprintf("L%d", c.level), time.Since(start), bytesRead, bytesWritten)

	return db.installCompactionResults(c, state)
}

func (db *DB) openInputRuns(c *Compaction) ([]sortedRun, error) {
	var runs []sortedRun
	for _, f := range c.InputFiles() {
		run, err := db.openRun(f)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// collectPendingRefTimes snapshots the carried hotness count of every key
// held by a PMEM-resident input run, so routeCompactionEntry's
// sourceRefTimes lookup can see a PMEM-sourced key's accumulated
// ref_times even though the merging iterator itself only exposes
// key/value. It returns the collected keys so the caller can clear
// exactly those entries once the compaction has consumed them; the
// source skiplists may already be freed by then.
func (db *DB) collectPendingRefTimes(runs []sortedRun) []string {
	var keys []string
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range runs {
		pr, ok := r.(*pmemRun)
		if !ok {
			continue
		}
		it := pr.skiplist.NewIterator()
		it.SeekToFirst()
		for it.Valid() {
			k := string(it.Key())
			db.pendingRefTimes[k] = it.RefTimes()
			keys = append(keys, k)
			it.Next()
		}
		it.Close()
	}
	return keys
}

// clearPendingRefTimes drops the entries collectPendingRefTimes added,
// once this compaction has consumed them, so the map doesn't grow
// unbounded across compactions.
func (db *DB) clearPendingRefTimes(keys []string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, k := range keys {
		delete(db.pendingRefTimes, k)
	}
}

func (db *DB) openRun(f *FileMetaData) (sortedRun, error) {
	if f.Residency == ResidencyPmem {
		db.mu.Lock()
		run := db.pmemRuns[f.Number]
		db.mu.Unlock()
		return run, nil
	}
	return db.tableCache.FindTable(f.Number)
}

// routeCompactionEntry opens output builders lazily and routes the entry
// to the hot or warm builder depending on tiering mode and hotness.
func (db *DB) routeCompactionEntry(state *compactionState, key InternalKey, value []byte, anyInputSST bool) error {
	if state.warmBuilder == nil {
		if err := db.openWarmBuilder(state, anyInputSST); err != nil {
			return err
		}
	}

	if state.warmBuilder.pmemRun == nil {
		state.warmBuilder.addSST(key, value)
		db.metrics.RecordOutputEntry(false)
		return db.closeBuilderIfFull(state, false)
	}

	refTimes := db.sourceRefTimes(key)
	hotPermitted := hotOutputPermitted(state.compaction.level, ResidencyPmem)

	if hotPermitted && refTimes >= state.opts.HotThreshold {
		if state.hotBuilder == nil {
			db.openHotBuilder(state)
		}
		if state.hotBuilder != nil {
			db.metrics.RecordOutputEntry(true)
			if err := state.hotBuilder.addPmem(db.pmemBuffers, key, value, refTimes); err != nil {
				return err
			}
			return db.closeBuilderIfFull(state, true)
		}
	}

	db.metrics.RecordOutputEntry(false)
	if err := state.warmBuilder.addPmem(db.pmemBuffers, key, value, 0); err != nil {
		return err
	}
	return db.closeBuilderIfFull(state, false)
}

// closeBuilderIfFull materializes and clears a builder that has reached
// its close threshold, so the next routed entry opens a fresh output:
// SST outputs split at max_output_file_size, PMEM outputs close one
// entry short of max_output_entries.
func (db *DB) closeBuilderIfFull(state *compactionState, hot bool) error {
	b := state.warmBuilder
	if hot {
		b = state.hotBuilder
	}
	if b == nil || !b.isFull(state.opts) {
		return nil
	}
	out, err := db.materializeBuilder(b)
	if err != nil {
		return err
	}
	state.outputs = append(state.outputs, out)
	if hot {
		state.hotBuilder = nil
	} else {
		state.warmBuilder = nil
	}
	return nil
}

// sourceRefTimes looks up a carried-forward hotness count for a
// PMEM-sourced key being rewritten by compaction; SST-sourced entries
// have no prior PMEM hotness and start at 0.
func (db *DB) sourceRefTimes(key InternalKey) uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pendingRefTimes[string(key)]
}

func (db *DB) openWarmBuilder(state *compactionState, anyInputSST bool) error {
	outputLevel := state.compaction.level + 1
	pmemEmpty := db.pmemManager == nil || db.pmemManager.IsFreeListEmpty()
	if db.pmemManager != nil {
		db.metrics.SetPmemFreeList(db.pmemManager.Remaining(), db.pmemManager.IsFreeListEmptyWarning())
	}
	decision := decideWarmResidency(state.opts.TieringOption, outputLevel, state.opts.PmemSkiplistLevelCap, pmemEmpty, anyInputSST)

	if decision.needsEviction {
		if err := db.evictLRUPmemInstance(decision.evictLevel, state.compaction); err != nil {
			decision.residency = ResidencySST
		}
	}

	number := db.versions.NewFileNumber()
	b := newOutputBuilder(int(number), outputLevel, false)
	if decision.residency == ResidencyPmem && db.pmemManager != nil {
		b.pmemRun = newPmemRun(db.pmemManager, number, db.cmp)
	}
	state.warmBuilder = b
	return nil
}

func (db *DB) openHotBuilder(state *compactionState) {
	if state.opts.StrictPmemHotOutput && (db.pmemManager == nil || db.pmemManager.IsFreeListEmpty()) {
		return
	}
	number := db.versions.NewFileNumber()
	b := newOutputBuilder(int(number), 0, true)
	if db.pmemManager != nil {
		b.pmemRun = newPmemRun(db.pmemManager, number, db.cmp)
	}
	state.hotBuilder = b
}

// evictLRUPmemInstance performs LRUTiering's inline eviction: pick the
// least-recently-created PMEM instance at level not in the current
// compaction's input set, materialize it to an SST with the same file
// number, then free the PMEM instance and move its number to FileSet.
func (db *DB) evictLRUPmemInstance(level int, c *Compaction) error {
	excluded := make(map[uint64]bool)
	for _, f := range c.InputFiles() {
		excluded[f.Number] = true
	}
	number, ok := db.tiering.LeastRecentlyCreatedPmem(level, excluded)
	if !ok {
		return ErrFreeListExhausted
	}

	db.mu.Lock()
	run := db.pmemRuns[number]
	db.mu.Unlock()
	if run == nil {
		return ErrFreeListExhausted
	}

	it, err := run.NewIterator()
	if err != nil {
		return err
	}
	var entries []sstEntry
	for it.Next() {
		entries = append(entries, sstEntry{Key: it.Key(), Value: it.Value()})
	}
	closeRunIterators([]RunIterator{it})

	path := SSTablePath(db.dir, number)
	sst, err := BuildSSTable(path, entries, db.cmp, false)
	if err != nil {
		return err
	}
	sst.Close()

	db.pmemManager.DeleteFile(number)
	db.mu.Lock()
	delete(db.pmemRuns, number)
	db.mu.Unlock()
	db.tiering.MarkSST(number)
	db.metrics.RecordPmemEviction()
	return nil
}

// finishOutput closes any active warm/hot builders, recording them as
// pending compactionOutputs, then resets the builders to nil so the next
// entry (if any) opens fresh ones — used both at a should_stop_before
// rotation and at loop end.
func (db *DB) finishOutput(state *compactionState) error {
	if state.warmBuilder != nil && state.warmBuilder.entryCount > 0 {
		out, err := db.materializeBuilder(state.warmBuilder)
		if err != nil {
			return err
		}
		state.outputs = append(state.outputs, out)
	}
	if state.hotBuilder != nil && state.hotBuilder.entryCount > 0 {
		out, err := db.materializeBuilder(state.hotBuilder)
		if err != nil {
			return err
		}
		state.outputs = append(state.outputs, out)
	}
	state.warmBuilder = nil
	state.hotBuilder = nil
	return nil
}

func (db *DB) materializeBuilder(b *outputBuilder) (*compactionOutput, error) {
	meta := &FileMetaData{
		Number:       b.fileNumber,
		Smallest:     b.smallest,
		Largest:      b.largest,
		AllowedSeeks: 1 << 20,
	}
	if b.hot {
		meta.Level = 0
	} else {
		meta.Level = b.level
	}

	if b.pmemRun != nil {
		meta.Residency = ResidencyPmem
		meta.FileSize = int64(b.entryCount) * 128
		return &compactionOutput{meta: meta, hot: b.hot, pmemRun: b.pmemRun}, nil
	}

	path := SSTablePath(db.dir, b.fileNumber)
	sst, err := BuildSSTable(path, b.sstEntries, db.cmp, false)
	if err != nil {
		return nil, err
	}
	meta.Residency = ResidencySST
	meta.FileSize = sst.FileSize()
	sst.Close()

	// BuildSSTable has read every entry into the file by now; return the
	// pooled key/value copies addSST drew for them.
	for _, e := range b.sstEntries {
		pools.PutBytes([]byte(e.Key))
		pools.PutBytes(e.Value)
	}

	return &compactionOutput{meta: meta, hot: b.hot}, nil
}

// installCompactionResults builds and applies the finalizing VersionEdit:
// delete every input file, add each warm output at level+1, add each hot
// output at level 0. Obsolete-file cleanup and TieringStats bookkeeping
// are independent of each other and fanned out with errgroup.
func (db *DB) installCompactionResults(c *Compaction, state *compactionState) error {
	inputFiles := c.InputFiles()

	inputNumbers := pools.GetUint64s(len(inputFiles))
	for _, f := range inputFiles {
		inputNumbers = append(inputNumbers, f.Number)
	}
	db.logger.Debug("compaction installing results",
		logging.LSMLevel(c.level), logging.Int("num_inputs", len(inputFiles)), logging.Any("input_files", inputNumbers))
	pools.PutUint64s(inputNumbers)

	edit := NewVersionEdit()
	for _, f := range inputFiles {
		edit.DeleteFile(f.Level, f.Number)
	}
	for _, out := range state.outputs {
		edit.AddFile(out.meta.Level, out.meta)
	}

	if _, err := db.versions.LogAndApply(edit); err != nil {
		return err
	}

	db.mu.Lock()
	for _, out := range state.outputs {
		if out.pmemRun != nil {
			db.pmemRuns[out.meta.Number] = out.pmemRun
		}
	}
	db.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for _, f := range c.InputFiles() {
			if f.Residency == ResidencyPmem && db.pmemManager != nil {
				db.pmemManager.DeleteFileWithCheckRef(f.Number)
				db.mu.Lock()
				delete(db.pmemRuns, f.Number)
				db.mu.Unlock()
			} else {
				db.tableCache.Evict(f.Number)
			}
			db.tiering.Remove(f.Number)
		}
		return nil
	})
	g.Go(func() error {
		for _, out := range state.outputs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if out.pmemRun != nil {
				db.tiering.MarkPmem(out.meta.Number, out.meta.Level)
			} else {
				db.tiering.MarkSST(out.meta.Number)
			}
		}
		return nil
	})
	return g.Wait()
}
