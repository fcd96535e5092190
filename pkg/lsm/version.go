package lsm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/lsmpmem/pkg/pmem"
)

// RunIterator walks one sorted run (an SSTable or a pmemRun) in ascending
// InternalKey order. Satisfied by *sstableIterator, *mmapIterator, and
// *pmemRunIterator so the merging input iterator built for a compaction
// can treat every run uniformly.
type RunIterator interface {
	Next() bool
	Key() InternalKey
	Value() []byte
	Err() error
}

// sortedRun is a contiguous keyspace unit at a level: either a
// block-storage SSTable or a PMEM-resident skiplist run. Both satisfy the
// same contract so TableCache/VersionSet/the compaction merge loop don't
// need to special-case residency.
type sortedRun interface {
	Smallest() InternalKey
	Largest() InternalKey
	Get(key InternalKey) ([]byte, bool, error)
	NewIterator() (RunIterator, error)
}

var (
	_ sortedRun = (*SSTable)(nil)
	_ sortedRun = (*pmemRun)(nil)
)

// pmemRun is the PMEM-resident counterpart to *SSTable: a single
// pmem.Skiplist instance (keyed by file_number) whose comparator orders
// full InternalKey bytes (user key ascending, then sequence descending)
// rather than the bare user-key comparator pmem.Skiplist uses by
// default, so multiple versions of one user key can coexist in a single
// hot/warm PMEM output the same way they can in an SSTable.
type pmemRun struct {
	fileNumber uint64
	skiplist   *pmem.Skiplist
	cmp        *InternalKeyComparator
	smallest   InternalKey
	largest    InternalKey
	entries    int
}

// newPmemRun creates a fresh PMEM-resident sorted run keyed by
// fileNumber, registered with manager.
func newPmemRun(manager *pmem.Manager, fileNumber uint64, cmp *InternalKeyComparator) *pmemRun {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	internalCmp := func(a, b []byte) int {
		return cmp.Compare(InternalKey(a), InternalKey(b))
	}
	return &pmemRun{
		fileNumber: fileNumber,
		skiplist:   manager.CreateInstance(fileNumber, internalCmp),
		cmp:        cmp,
	}
}

// Add inserts one (internalKey, value) pair into the underlying buffer
// and skiplist, tracking the run's smallest/largest bound. refTimes
// carries the hotness count forward when adapting an existing PMEM
// source run (add_to_skiplist_by_ptr); pass 0 for freshly-written
// entries.
func (r *pmemRun) Add(buffers *pmem.BufferSet, key InternalKey, value []byte, refTimes uint32) (bool, error) {
	ptr, err := buffers.Append(r.fileNumber, key, value)
	if err != nil {
		return false, err
	}
	ok, err := r.skiplist.InsertByPtr(key, ptr, refTimes)
	if err != nil || !ok {
		return ok, err
	}
	if r.entries == 0 {
		r.smallest = append(InternalKey(nil), key...)
	}
	r.largest = append(InternalKey(nil), key...)
	r.entries++
	return true, nil
}

// AddByPtr inserts a key whose value already has a stable buffer_ptr
// (add_to_skiplist_by_ptr, used for PMEM-sourced hot keys where the
// value need not be rewritten).
func (r *pmemRun) AddByPtr(key InternalKey, ptr pmem.Pointer, refTimes uint32) (bool, error) {
	ok, err := r.skiplist.InsertByPtr(key, ptr, refTimes)
	if err != nil || !ok {
		return ok, err
	}
	if r.entries == 0 {
		r.smallest = append(InternalKey(nil), key...)
	}
	r.largest = append(InternalKey(nil), key...)
	r.entries++
	return true, nil
}

func (r *pmemRun) Len() int { return r.entries }

func (r *pmemRun) Smallest() InternalKey { return r.smallest }
func (r *pmemRun) Largest() InternalKey  { return r.largest }

// Get finds the newest version of key's user key at or below key's
// sequence: entries order user key ascending then sequence descending, so
// the first node >= key with the same user key is the one a reader at
// that sequence should see. found=true with a nil value reports a
// tombstone. A user-key hit bumps the node's hotness counter.
func (r *pmemRun) Get(key InternalKey) ([]byte, bool, error) {
	it := r.skiplist.NewIterator()
	defer it.Close()
	it.Seek(key)
	if !it.Valid() {
		return nil, false, nil
	}
	found := InternalKey(it.Key())
	if r.cmp.UserCmp(found.UserKey(), key.UserKey()) != 0 {
		return nil, false, nil
	}
	it.BumpRefTimes()
	if found.Kind() == TypeDeletion {
		return nil, true, nil
	}
	value, err := it.Value()
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *pmemRun) NewIterator() (RunIterator, error) {
	return &pmemRunIterator{it: r.skiplist.NewIterator()}, nil
}

// pmemRunIterator starts before the first node, matching
// sstableIterator's protocol: the first Next() yields the run's
// smallest entry.
type pmemRunIterator struct {
	it      *pmem.Iterator
	started bool
	err     error
}

func (p *pmemRunIterator) Next() bool {
	if !p.started {
		p.started = true
		p.it.SeekToFirst()
	} else {
		p.it.Next()
	}
	return p.it.Valid()
}

func (p *pmemRunIterator) Key() InternalKey {
	return InternalKey(p.it.Key())
}

func (p *pmemRunIterator) Value() []byte {
	v, err := p.it.Value()
	if err != nil {
		p.err = err
	}
	return v
}

func (p *pmemRunIterator) Err() error { return p.err }

// Close drops the iterator's reference on its skiplist instance,
// allowing a deferred delete_file_with_check_ref to free the nodes.
func (p *pmemRunIterator) Close() error { return p.it.Close() }

// Residency names which tier a FileMetaData entry lives in, satisfying
// the FileSet/SkiplistSet disjointness invariant.
type Residency int

const (
	ResidencySST Residency = iota
	ResidencyPmem
)

// FileMetaData describes one sorted run: its identity, size, key range,
// install level, and residency. Exactly one of TieringStats's FileSet or
// SkiplistSet contains Number at any time.
type FileMetaData struct {
	Number        uint64
	FileSize      int64
	Smallest      InternalKey
	Largest       InternalKey
	Level         int
	Residency     Residency
	AllowedSeeks  int64
	refs          int32
	seekCompact   int32
}

func (f *FileMetaData) ref()   { atomic.AddInt32(&f.refs, 1) }
func (f *FileMetaData) unref() int32 { return atomic.AddInt32(&f.refs, -1) }

// RecordSeek decrements the file's allowed-seeks budget; once it reaches
// zero the file is flagged for seek-triggered compaction, so a file that
// keeps absorbing point-lookup misses gets merged away even when its
// level is under the size cap.
func (f *FileMetaData) RecordSeek() {
	if atomic.AddInt64(&f.AllowedSeeks, -1) <= 0 {
		atomic.StoreInt32(&f.seekCompact, 1)
	}
}

func (f *FileMetaData) needsSeekCompaction() bool {
	return atomic.LoadInt32(&f.seekCompact) == 1
}

// Version is a reference-counted, immutable snapshot of per-level file
// lists. Levels 1..N-1 are kept non-overlapping and sorted by smallest
// key; level 0 may overlap and is kept in insertion order.
type Version struct {
	vs     *VersionSet
	refs   int32
	files  [NumLevels][]*FileMetaData

	compactionScore int
	compactionLevel int
}

func newVersion(vs *VersionSet) *Version {
	return &Version{vs: vs}
}

// Ref/Unref implement Version refcounting: a Version is shared and freed
// once no DB handle or in-flight reader holds a reference.
func (v *Version) Ref() { atomic.AddInt32(&v.refs, 1) }

func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		for _, level := range v.files {
			for _, f := range level {
				f.unref()
			}
		}
	}
}

func (v *Version) clone() *Version {
	nv := &Version{vs: v.vs}
	for l := range v.files {
		nv.files[l] = append([]*FileMetaData(nil), v.files[l]...)
		for _, f := range nv.files[l] {
			f.ref()
		}
	}
	return nv
}

// FilesAtLevel returns the file list at level, used by GetProperty's
// "num-files-at-level<L>" and by the compaction picker.
func (v *Version) FilesAtLevel(level int) []*FileMetaData {
	return v.files[level]
}

// overlappingInputs returns every file at level whose key range overlaps
// [smallest, largest], expanding repeatedly for level 0 (whose files may
// themselves overlap, requiring a fixed-point expansion).
func (v *Version) overlappingInputs(level int, smallest, largest InternalKey, cmp *InternalKeyComparator) []*FileMetaData {
	var result []*FileMetaData
	userSmallest := smallest.UserKey()
	userLargest := largest.UserKey()

	for i := 0; i < len(v.files[level]); i++ {
		f := v.files[level][i]
		if cmp.UserCmp(f.Largest.UserKey(), userSmallest) < 0 || cmp.UserCmp(f.Smallest.UserKey(), userLargest) > 0 {
			continue
		}
		result = append(result, f)
		if level == 0 {
			if cmp.UserCmp(f.Smallest.UserKey(), userSmallest) < 0 {
				userSmallest = f.Smallest.UserKey()
				i = -1
				result = nil
				continue
			}
			if cmp.UserCmp(f.Largest.UserKey(), userLargest) > 0 {
				userLargest = f.Largest.UserKey()
				i = -1
				result = nil
				continue
			}
		}
	}
	return result
}

// Get performs a point lookup at the given user key / read sequence
// across every level of this Version, consulting TableCache for SST
// runs and the PMEM registry for skiplist runs via sortedRun.Get.
func (v *Version) Get(lookup InternalKey, tc *TableCache, pmemRuns map[uint64]*pmemRun) ([]byte, bool, error) {
	cmp := v.vs.cmp

	for level := 0; level < NumLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		if level == 0 {
			// L0 files may overlap; scan newest-first.
			candidates := append([]*FileMetaData(nil), files...)
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Number > candidates[j].Number })
			for _, f := range candidates {
				if cmp.UserCmp(lookup.UserKey(), f.Smallest.UserKey()) < 0 || cmp.UserCmp(lookup.UserKey(), f.Largest.UserKey()) > 0 {
					continue
				}
				value, ok, err := v.getFromFile(f, lookup, tc, pmemRuns)
				if err != nil {
					return nil, false, err
				}
				if ok {
					return value, value != nil, nil
				}
			}
			continue
		}

		idx := sort.Search(len(files), func(i int) bool {
			return cmp.UserCmp(files[i].Largest.UserKey(), lookup.UserKey()) >= 0
		})
		if idx >= len(files) {
			continue
		}
		f := files[idx]
		if cmp.UserCmp(lookup.UserKey(), f.Smallest.UserKey()) < 0 {
			continue
		}
		f.RecordSeek()
		value, ok, err := v.getFromFile(f, lookup, tc, pmemRuns)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return value, value != nil, nil
		}
	}
	return nil, false, nil
}

// getFromFile returns (value, found). found=true with value=nil means a
// tombstone was the newest visible record for this key (an authoritative
// "deleted", distinct from "not present in this file").
func (v *Version) getFromFile(f *FileMetaData, lookup InternalKey, tc *TableCache, pmemRuns map[uint64]*pmemRun) ([]byte, bool, error) {
	if f.Residency == ResidencyPmem {
		run := pmemRuns[f.Number]
		if run == nil {
			return nil, false, nil
		}
		return lookupRun(run, lookup, v.vs.cmp)
	}
	table, err := tc.FindTable(f.Number)
	if err != nil {
		return nil, false, err
	}
	return lookupRun(table, lookup, v.vs.cmp)
}

// lookupRun scans a run for the newest record of lookup's user key with
// sequence <= lookup's sequence, since a sorted run may carry multiple
// versions of a key.
func lookupRun(run sortedRun, lookup InternalKey, cmp *InternalKeyComparator) ([]byte, bool, error) {
	value, ok, err := run.Get(lookup)
	if err != nil || !ok {
		return nil, ok, err
	}
	return value, true, nil
}

// VersionSet owns file-number/sequence-number assignment, the manifest
// log, and the current Version.
type VersionSet struct {
	mu              sync.Mutex
	dir             string
	cmp             *InternalKeyComparator
	current         *Version
	nextFileNumber  uint64
	lastSequence    uint64
	logNumber       uint64
	manifestFile    uint64
	manifestLog     *manifestWriter
	compactPointer  [NumLevels]InternalKey
}

// NewVersionSet creates an empty VersionSet rooted at dir.
func NewVersionSet(dir string, cmp *InternalKeyComparator) *VersionSet {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	vs := &VersionSet{dir: dir, cmp: cmp, nextFileNumber: 1}
	v := newVersion(vs)
	v.Ref()
	vs.current = v
	return vs
}

func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.Ref()
	return v
}

// NewFileNumber assigns the next monotone file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// NextSequence reserves count sequence numbers starting at last_sequence+1.
func (vs *VersionSet) NextSequence(count int) uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	start := vs.lastSequence + 1
	vs.lastSequence += uint64(count)
	return start
}

func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

// SetLastSequence is used by recovery to restore the counter from the
// manifest/WAL replay.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if seq > vs.lastSequence {
		vs.lastSequence = seq
	}
}

// SetNextFileNumber is used by recovery.
func (vs *VersionSet) SetNextFileNumber(n uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if n > vs.nextFileNumber {
		vs.nextFileNumber = n
	}
}

// LogAndApply builds a new Version by applying edit on top of the
// current one, appends edit to the manifest log, and installs the new
// Version as current — all under vs.mu, so the switch is atomic with
// respect to every other version operation.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) (*Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	nv := vs.current.clone()
	applyEdit(nv, edit, vs.cmp)

	edit.populateDefaults(vs)
	if vs.manifestLog != nil {
		if err := vs.manifestLog.Append(edit); err != nil {
			return nil, err
		}
	}

	if edit.LogNumber != 0 {
		vs.logNumber = edit.LogNumber
	}

	nv.Ref()
	old := vs.current
	vs.current = nv
	old.Unref()
	return nv, nil
}

// levelSizeBytes sums file sizes at level, used by the size_compaction
// score.
func (v *Version) levelSizeBytes(level int) int64 {
	var total int64
	for _, f := range v.files[level] {
		total += f.FileSize
	}
	return total
}

// levelSoftCap returns L's soft byte cap: 10x per level above L0,
// starting at 10MB for L1, the conventional LSM level fan-out.
func levelSoftCap(level int) int64 {
	if level == 0 {
		return int64(4 * DefaultWriteBufferSize)
	}
	cap := int64(10 * 1024 * 1024)
	for i := 1; i < level; i++ {
		cap *= 10
	}
	return cap
}

// PickCompaction picks the next compaction to run: size-based score
// first, then seek-triggered files, then expands the L+1 overlap set and
// checks for a trivial move.
func (vs *VersionSet) PickCompaction(v *Version) *Compaction {
	bestLevel := -1
	bestScore := 1.0

	for level := 0; level < NumLevels-1; level++ {
		score := float64(v.levelSizeBytes(level)) / float64(levelSoftCap(level))
		if score >= bestScore {
			bestScore = score
			bestLevel = level
		}
	}

	var level int
	var seedFiles []*FileMetaData

	if bestLevel >= 0 {
		level = bestLevel
		files := v.files[level]
		if len(files) == 0 {
			return nil
		}
		idx := 0
		for i, f := range files {
			if vs.cmp.Compare(f.Smallest, vs.compactPointer[level]) > 0 {
				idx = i
				break
			}
		}
		seedFiles = []*FileMetaData{files[idx]}
	} else {
		// Seek-triggered compaction.
		found := false
		for l := 0; l < NumLevels-1 && !found; l++ {
			for _, f := range v.files[l] {
				if f.needsSeekCompaction() {
					level = l
					seedFiles = []*FileMetaData{f}
					found = true
					break
				}
			}
		}
		if !found {
			return nil
		}
	}

	inputs0 := v.overlappingInputs(level, seedFiles[0].Smallest, seedFiles[0].Largest, vs.cmp)
	if len(inputs0) == 0 {
		inputs0 = seedFiles
	}

	smallest, largest := rangeOf(inputs0, vs.cmp)
	inputs1 := v.overlappingInputs(level+1, smallest, largest, vs.cmp)

	c := &Compaction{level: level}
	c.inputs[0] = inputs0
	c.inputs[1] = inputs1

	if level+2 < NumLevels {
		allSmallest, allLargest := smallest, largest
		if len(inputs1) > 0 {
			s2, l2 := rangeOf(inputs1, vs.cmp)
			if vs.cmp.UserCmp(s2.UserKey(), allSmallest.UserKey()) < 0 {
				allSmallest = s2
			}
			if vs.cmp.UserCmp(l2.UserKey(), allLargest.UserKey()) > 0 {
				allLargest = l2
			}
		}
		c.grandparents = v.overlappingInputs(level+2, allSmallest, allLargest, vs.cmp)
	}
	c.maxGrandparentOverlap = 10 * levelSoftCap(level)

	if len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 {
		grandparentOverlapBytes := int64(0)
		for _, f := range c.grandparents {
			grandparentOverlapBytes += f.FileSize
		}
		if grandparentOverlapBytes <= c.maxGrandparentOverlap {
			c.trivialMove = true
		}
	}

	vs.compactPointer[level] = largest
	return c
}

func rangeOf(files []*FileMetaData, cmp *InternalKeyComparator) (smallest, largest InternalKey) {
	smallest, largest = files[0].Smallest, files[0].Largest
	for _, f := range files[1:] {
		if cmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if cmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// PickLevelForMemTableOutput pushes a flush output as deep as possible
// (bounded by MaxMemCompactLevel) while avoiding overlap with the
// target level and bounding grandparent overlap.
func (vs *VersionSet) PickLevelForMemTableOutput(v *Version, smallest, largest InternalKey) int {
	level := 0
	if len(v.overlappingInputs(0, smallest, largest, vs.cmp)) > 0 {
		return 0
	}
	for level < MaxMemCompactLevel {
		if len(v.overlappingInputs(level+1, smallest, largest, vs.cmp)) > 0 {
			break
		}
		grandparents := v.overlappingInputs(level+2, smallest, largest, vs.cmp)
		var overlapBytes int64
		for _, f := range grandparents {
			overlapBytes += f.FileSize
		}
		if overlapBytes > 10*levelSoftCap(level) {
			break
		}
		level++
	}
	return level
}

func applyEdit(v *Version, edit *VersionEdit, cmp *InternalKeyComparator) {
	for level, files := range edit.DeletedFiles {
		deleted := make(map[uint64]bool, len(files))
		for _, n := range files {
			deleted[n] = true
		}
		kept := v.files[level][:0]
		for _, f := range v.files[level] {
			if deleted[f.Number] {
				f.unref()
				continue
			}
			kept = append(kept, f)
		}
		v.files[level] = kept
	}

	for level, files := range edit.NewFiles {
		for _, f := range files {
			f.ref()
			v.files[level] = append(v.files[level], f)
		}
		if level > 0 {
			sort.Slice(v.files[level], func(i, j int) bool {
				return cmp.UserCmp(v.files[level][i].Smallest.UserKey(), v.files[level][j].Smallest.UserKey()) < 0
			})
		}
	}
}
