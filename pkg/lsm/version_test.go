package lsm

import (
	"testing"

	"github.com/dd0wney/lsmpmem/pkg/pmem"
)

func fileAt(number uint64, smallest, largest string) *FileMetaData {
	return &FileMetaData{
		Number:   number,
		FileSize: 1024,
		Smallest: MakeInternalKey([]byte(smallest), number*10, TypeValue),
		Largest:  MakeInternalKey([]byte(largest), number*10+1, TypeValue),
	}
}

func TestVersion_OverlappingInputsLevel0Expands(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)

	edit := NewVersionEdit()
	edit.AddFile(0, fileAt(1, "b", "d"))
	edit.AddFile(0, fileAt(2, "c", "f"))
	edit.AddFile(0, fileAt(3, "x", "z"))
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	lo := MakeInternalKey([]byte("b"), 0, TypeValue)
	hi := MakeInternalKey([]byte("d"), 0, TypeValue)
	got := v.overlappingInputs(0, lo, hi, cmp)

	found := map[uint64]bool{}
	for _, f := range got {
		found[f.Number] = true
	}
	if !found[1] || !found[2] {
		t.Errorf("expected files 1 and 2 (transitively overlapping), got %v", got)
	}
	if found[3] {
		t.Errorf("file 3 does not overlap [b,d] and should be excluded")
	}
}

func TestVersion_OverlappingInputsLevel1NoExpansion(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)

	edit := NewVersionEdit()
	edit.AddFile(1, fileAt(1, "a", "c"))
	edit.AddFile(1, fileAt(2, "d", "f"))
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	lo := MakeInternalKey([]byte("d"), 0, TypeValue)
	hi := MakeInternalKey([]byte("f"), 0, TypeValue)
	got := v.overlappingInputs(1, lo, hi, cmp)
	if len(got) != 1 || got[0].Number != 2 {
		t.Errorf("expected only file 2, got %v", got)
	}
}

func TestVersion_PickLevelForMemTableOutputEmptyGoesToMaxLevel(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)
	v := vs.Current()
	defer v.Unref()

	smallest := MakeInternalKey([]byte("a"), 1, TypeValue)
	largest := MakeInternalKey([]byte("z"), 1, TypeValue)
	level := vs.PickLevelForMemTableOutput(v, smallest, largest)
	if level != MaxMemCompactLevel {
		t.Errorf("expected an empty version to push the flush to level %d, got %d", MaxMemCompactLevel, level)
	}
}

func TestVersion_PickLevelForMemTableOutputStaysAtZeroOnOverlap(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)

	edit := NewVersionEdit()
	edit.AddFile(0, fileAt(1, "a", "z"))
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	smallest := MakeInternalKey([]byte("a"), 1, TypeValue)
	largest := MakeInternalKey([]byte("z"), 1, TypeValue)
	level := vs.PickLevelForMemTableOutput(v, smallest, largest)
	if level != 0 {
		t.Errorf("expected level 0 when the output overlaps an existing L0 file, got %d", level)
	}
}

func TestVersion_PickCompactionNilWhenUnderCap(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)

	edit := NewVersionEdit()
	edit.AddFile(1, fileAt(1, "a", "c"))
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	if c := vs.PickCompaction(v); c != nil {
		t.Errorf("expected no compaction to be picked for a single small L1 file, got %+v", c)
	}
}

func TestVersion_PickCompactionSeekTriggered(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(t.TempDir(), cmp)

	f := fileAt(1, "a", "c")
	f.AllowedSeeks = 0
	f.RecordSeek()

	edit := NewVersionEdit()
	edit.AddFile(1, f)
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	c := vs.PickCompaction(v)
	if c == nil {
		t.Fatal("expected a seek-triggered compaction to be picked")
	}
	if c.level != 1 {
		t.Errorf("expected compaction at level 1, got %d", c.level)
	}
	if len(c.inputs[0]) != 1 || c.inputs[0][0].Number != 1 {
		t.Errorf("expected input0 to be file 1, got %v", c.inputs[0])
	}
}

func TestVersion_GetAcrossLevels(t *testing.T) {
	dir := t.TempDir()
	cmp := NewInternalKeyComparator(nil)
	vs := NewVersionSet(dir, cmp)

	path := SSTablePath(dir, 1)
	entries := sstEntries("a", "1", "b", "2")
	sst, err := BuildSSTable(path, entries, cmp, false)
	if err != nil {
		t.Fatalf("BuildSSTable failed: %v", err)
	}
	smallest, largest := sst.Smallest(), sst.Largest()
	sst.Close()

	edit := NewVersionEdit()
	edit.AddFile(1, &FileMetaData{
		Number:       1,
		FileSize:     1,
		Smallest:     smallest,
		Largest:      largest,
		Residency:    ResidencySST,
		AllowedSeeks: 1 << 20,
	})
	v, err := vs.LogAndApply(edit)
	if err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	defer v.Unref()

	tc := NewTableCache(dir, cmp, 10)
	defer tc.Close()

	lookup := MakeInternalKey([]byte("a"), maxSequence, TypeValue)
	value, found, err := v.Get(lookup, tc, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(value) != "1" {
		t.Errorf("expected to find a=1, got found=%v value=%s", found, value)
	}

	missing := MakeInternalKey([]byte("zzz"), maxSequence, TypeValue)
	_, found, err = v.Get(missing, tc, nil)
	if err != nil {
		t.Fatalf("Get(missing) failed: %v", err)
	}
	if found {
		t.Error("should not find a key never written")
	}
}

// TestPmemRun_GetNewestVisibleVersion mirrors the SSTable versioned-
// lookup rule for PMEM-resident runs, and checks a user-key hit bumps
// the node's hotness counter.
func TestPmemRun_GetNewestVisibleVersion(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	registry := pmem.NewRegistry()
	buffers, err := pmem.NewBufferSet(registry, 2, 1<<16)
	if err != nil {
		t.Fatalf("NewBufferSet failed: %v", err)
	}
	manager := pmem.NewManager(128, registry, pmem.PromotionCoinFlip)

	run := newPmemRun(manager, 1, cmp)
	if _, err := run.Add(buffers, MakeInternalKey([]byte("k"), 3, TypeValue), []byte("v1"), 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := run.Add(buffers, MakeInternalKey([]byte("k"), 5, TypeValue), []byte("v2"), 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	value, found, getErr := run.Get(MakeInternalKey([]byte("k"), 9, TypeValue))
	if getErr != nil {
		t.Fatalf("Get error: %v", getErr)
	}
	if !found || string(value) != "v2" {
		t.Errorf("expected v2 at seq 9, got found=%v value=%q", found, value)
	}

	value, found, err = run.Get(MakeInternalKey([]byte("k"), 4, TypeValue))
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !found || string(value) != "v1" {
		t.Errorf("expected v1 at seq 4, got found=%v value=%q", found, value)
	}

	if _, found, _ = run.Get(MakeInternalKey([]byte("k"), 2, TypeValue)); found {
		t.Error("expected no visible version below the oldest sequence")
	}

	// The seq-9 lookup above hit the v2 node exactly once.
	it := run.skiplist.NewIterator()
	defer it.Close()
	it.Seek(MakeInternalKey([]byte("k"), 9, TypeValue))
	if got := it.RefTimes(); got != 1 {
		t.Errorf("expected the v2 node to have 1 recorded hit, got %d", got)
	}
}

// TestPmemRun_IteratorYieldsEveryEntry pins the RunIterator protocol for
// PMEM runs: the cursor starts before the first node, so the first
// Next() yields the run's smallest entry and a single-entry run yields
// exactly one entry.
func TestPmemRun_IteratorYieldsEveryEntry(t *testing.T) {
	cmp := NewInternalKeyComparator(nil)
	registry := pmem.NewRegistry()
	buffers, err := pmem.NewBufferSet(registry, 2, 1<<16)
	if err != nil {
		t.Fatalf("NewBufferSet failed: %v", err)
	}
	manager := pmem.NewManager(128, registry, pmem.PromotionCoinFlip)

	single := newPmemRun(manager, 1, cmp)
	if _, err := single.Add(buffers, MakeInternalKey([]byte("only"), 1, TypeValue), []byte("v"), 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	it, err := single.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	if !it.Next() {
		t.Fatal("expected the first Next to yield the single entry")
	}
	if string(it.Key().UserKey()) != "only" {
		t.Errorf("expected key 'only', got %q", it.Key().UserKey())
	}
	if it.Next() {
		t.Error("expected exhaustion after the single entry")
	}
	closeRunIterators([]RunIterator{it})

	multi := newPmemRun(manager, 2, cmp)
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if _, err := multi.Add(buffers, MakeInternalKey([]byte(k), uint64(i+1), TypeValue), []byte("v"), 0); err != nil {
			t.Fatalf("Add(%s) failed: %v", k, err)
		}
	}
	it2, err := multi.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	var got []string
	for it2.Next() {
		got = append(got, string(it2.Key().UserKey()))
	}
	closeRunIterators([]RunIterator{it2})
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
