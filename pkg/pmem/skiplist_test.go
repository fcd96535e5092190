package pmem

import (
	"fmt"
	"testing"
)

func newTestManager(capacity int) *Manager {
	registry := NewRegistry()
	return NewManager(capacity, registry, PromotionCoinFlip)
}

func TestSkiplist_InsertAndGet(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(1, nil)

	ok, err := s.InsertByPtr([]byte("key1"), Pointer{Offset: 10}, 0)
	if err != nil || !ok {
		t.Fatalf("InsertByPtr returned (%v, %v)", ok, err)
	}

	it, found := s.Get([]byte("key1"))
	if !found {
		t.Fatal("expected key1 to be found")
	}
	defer it.Close()

	if string(it.Key()) != "key1" {
		t.Errorf("Key() = %q, want %q", it.Key(), "key1")
	}
	if it.BufferPtr().Offset != 10 {
		t.Errorf("BufferPtr().Offset = %d, want 10", it.BufferPtr().Offset)
	}
}

func TestSkiplist_GetMissing(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(1, nil)

	_, found := s.Get([]byte("nope"))
	if found {
		t.Error("expected miss on empty skiplist")
	}
}

func TestSkiplist_RefTimesIncrementsOnHit(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(1, nil)

	if _, err := s.InsertByPtr([]byte("key1"), Pointer{}, 0); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		it, found := s.Get([]byte("key1"))
		if !found {
			t.Fatal("expected key1 to be found")
		}
		it.Close()
	}

	it, _ := s.Get([]byte("key1"))
	defer it.Close()
	if it.RefTimes() != 4 {
		t.Errorf("RefTimes() = %d, want 4", it.RefTimes())
	}
}

func TestSkiplist_OrderedIteration(t *testing.T) {
	m := newTestManager(1000)
	s := m.CreateInstance(1, nil)

	keys := []string{"d", "b", "a", "c", "e"}
	for _, k := range keys {
		if _, err := s.InsertByPtr([]byte(k), Pointer{}, 0); err != nil {
			t.Fatalf("InsertByPtr(%q) returned error: %v", k, err)
		}
	}

	it := s.NewIterator()
	defer it.Close()
	it.SeekToFirst()

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSkiplist_FirstLast(t *testing.T) {
	m := newTestManager(1000)
	s := m.CreateInstance(1, nil)

	for _, k := range []string{"m", "a", "z"} {
		if _, err := s.InsertByPtr([]byte(k), Pointer{}, 0); err != nil {
			t.Fatalf("InsertByPtr(%q) returned error: %v", k, err)
		}
	}

	first, ok := s.First()
	if !ok {
		t.Fatal("expected First to find an entry")
	}
	defer first.Close()
	if string(first.Key()) != "a" {
		t.Errorf("First().Key() = %q, want %q", first.Key(), "a")
	}

	last, ok := s.Last()
	if !ok {
		t.Fatal("expected Last to find an entry")
	}
	defer last.Close()
	if string(last.Key()) != "z" {
		t.Errorf("Last().Key() = %q, want %q", last.Key(), "z")
	}
}

func TestSkiplist_GetPrev(t *testing.T) {
	m := newTestManager(1000)
	s := m.CreateInstance(1, nil)

	for _, k := range []string{"a", "c", "e"} {
		if _, err := s.InsertByPtr([]byte(k), Pointer{}, 0); err != nil {
			t.Fatalf("InsertByPtr(%q) returned error: %v", k, err)
		}
	}

	it, ok := s.GetPrev([]byte("d"))
	if !ok {
		t.Fatal("expected GetPrev to find a predecessor")
	}
	defer it.Close()
	if string(it.Key()) != "c" {
		t.Errorf("GetPrev(d).Key() = %q, want %q", it.Key(), "c")
	}

	_, ok = s.GetPrev([]byte("a"))
	if ok {
		t.Error("expected no predecessor for the lowest key")
	}
}

func TestSkiplist_ValueDereferencesBuffer(t *testing.T) {
	registry := NewRegistry()
	buf := NewBuffer(1024)
	registry.Register(buf)

	ptr, err := buf.Append([]byte("key1"), []byte("value1"))
	if err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	m := NewManager(100, registry, PromotionCoinFlip)
	s := m.CreateInstance(1, nil)
	if _, err := s.InsertByPtr([]byte("key1"), ptr, 0); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}

	it, found := s.Get([]byte("key1"))
	if !found {
		t.Fatal("expected key1 to be found")
	}
	defer it.Close()

	value, err := it.Value()
	if err != nil {
		t.Fatalf("Value() returned error: %v", err)
	}
	if string(value) != "value1" {
		t.Errorf("Value() = %q, want %q", value, "value1")
	}
}

func TestManager_FreeListExhaustion(t *testing.T) {
	m := newTestManager(2)
	s := m.CreateInstance(1, nil)

	for i := 0; i < 2; i++ {
		ok, err := s.InsertByPtr([]byte(fmt.Sprintf("key%d", i)), Pointer{}, 0)
		if err != nil || !ok {
			t.Fatalf("InsertByPtr(%d) returned (%v, %v)", i, ok, err)
		}
	}

	ok, err := s.InsertByPtr([]byte("key2"), Pointer{}, 0)
	if err != nil {
		t.Fatalf("InsertByPtr returned unexpected error: %v", err)
	}
	if ok {
		t.Error("expected InsertByPtr to report full once the free list is exhausted")
	}

	if !m.IsFreeListEmpty() {
		t.Error("expected IsFreeListEmpty to be true")
	}
}

func TestManager_FreeListWarning(t *testing.T) {
	m := newTestManager(20)
	s := m.CreateInstance(1, nil)

	// 19 of 20 nodes used leaves 1 free, below the 10% threshold of 2.
	for i := 0; i < 19; i++ {
		if _, err := s.InsertByPtr([]byte(fmt.Sprintf("key%d", i)), Pointer{}, 0); err != nil {
			t.Fatalf("InsertByPtr(%d) returned error: %v", i, err)
		}
	}

	if !m.IsFreeListEmptyWarning() {
		t.Error("expected free list warning once below 10%% capacity")
	}
}

func TestManager_DeleteFile(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(5, nil)

	if _, err := s.InsertByPtr([]byte("key1"), Pointer{}, 0); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}

	before := m.Remaining()
	m.DeleteFile(5)
	after := m.Remaining()

	if after <= before {
		t.Errorf("Remaining() after DeleteFile = %d, want > %d", after, before)
	}
	if s.Len() != 0 {
		t.Errorf("Len() after DeleteFile = %d, want 0", s.Len())
	}
}

func TestManager_DeleteFileWithCheckRefDefersUntilIteratorClosed(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(5, nil)

	if _, err := s.InsertByPtr([]byte("key1"), Pointer{}, 0); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}

	it := s.NewIterator()
	it.SeekToFirst()

	before := m.Remaining()
	m.DeleteFileWithCheckRef(5)
	duringRef := m.Remaining()
	if duringRef != before {
		t.Errorf("Remaining() changed while an iterator was still open: before=%d during=%d", before, duringRef)
	}

	it.Close()
	after := m.Remaining()
	if after <= before {
		t.Errorf("Remaining() after Close = %d, want > %d", after, before)
	}
}

func TestSkiplist_InsertNullTerminator(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(1, nil)

	if _, err := s.InsertByPtr([]byte("a"), Pointer{}, 0); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}
	if ok, err := s.InsertNullTerminator(); err != nil || !ok {
		t.Fatalf("InsertNullTerminator returned (%v, %v)", ok, err)
	}

	first, ok := s.First()
	if !ok {
		t.Fatal("expected First to find an entry")
	}
	defer first.Close()
	if first.Key() != nil {
		t.Errorf("First().Key() = %q, want the nil terminator key", first.Key())
	}
}

func TestSkiplist_RefTimesSaturatesAtSixteenBits(t *testing.T) {
	m := newTestManager(100)
	s := m.CreateInstance(1, nil)

	// An initial count past the ceiling clamps at insert.
	if _, err := s.InsertByPtr([]byte("key1"), Pointer{}, refTimesMax+100); err != nil {
		t.Fatalf("InsertByPtr returned error: %v", err)
	}

	it, found := s.Get([]byte("key1"))
	if !found {
		t.Fatal("expected key1 to be found")
	}
	defer it.Close()
	if got := it.RefTimes(); got != refTimesMax {
		t.Errorf("RefTimes() = %d, want saturation at %d", got, refTimesMax)
	}

	// Further hits stay pinned at the ceiling instead of wrapping.
	it.BumpRefTimes()
	if got := it.RefTimes(); got != refTimesMax {
		t.Errorf("RefTimes() after bump at ceiling = %d, want %d", got, refTimesMax)
	}
}
