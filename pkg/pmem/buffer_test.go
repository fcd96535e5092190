package pmem

import (
	"testing"
)

func TestBuffer_AppendAndRead(t *testing.T) {
	b := NewBuffer(1024)

	ptr, err := b.Append([]byte("hello"), []byte("world"))
	if err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	key, value, err := b.ReadEntry(ptr.Offset)
	if err != nil {
		t.Fatalf("ReadEntry returned error: %v", err)
	}
	if string(key) != "hello" {
		t.Errorf("key = %q, want %q", key, "hello")
	}
	if string(value) != "world" {
		t.Errorf("value = %q, want %q", value, "world")
	}
}

func TestBuffer_AppendMultiple(t *testing.T) {
	b := NewBuffer(1024)

	type kv struct{ k, v string }
	entries := []kv{
		{"a", "1"},
		{"bb", "22"},
		{"ccc", "333"},
	}

	ptrs := make([]Pointer, len(entries))
	for i, e := range entries {
		ptr, err := b.Append([]byte(e.k), []byte(e.v))
		if err != nil {
			t.Fatalf("Append(%d) returned error: %v", i, err)
		}
		ptrs[i] = ptr
	}

	for i, e := range entries {
		key, value, err := b.ReadEntry(ptrs[i].Offset)
		if err != nil {
			t.Fatalf("ReadEntry(%d) returned error: %v", i, err)
		}
		if string(key) != e.k || string(value) != e.v {
			t.Errorf("entry %d = (%q, %q), want (%q, %q)", i, key, value, e.k, e.v)
		}
	}
}

func TestBuffer_Full(t *testing.T) {
	b := NewBuffer(8)

	_, err := b.Append([]byte("this key is way too long"), []byte("value"))
	if err != ErrBufferFull {
		t.Errorf("Append on oversized entry returned %v, want ErrBufferFull", err)
	}
}

func TestBuffer_UsedAndCap(t *testing.T) {
	b := NewBuffer(1024)
	if b.Used() != 0 {
		t.Errorf("Used() = %d, want 0", b.Used())
	}
	if b.Cap() != 1024 {
		t.Errorf("Cap() = %d, want 1024", b.Cap())
	}

	if _, err := b.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if b.Used() == 0 {
		t.Error("Used() should be non-zero after Append")
	}
}

func TestBuffer_ClearAll(t *testing.T) {
	b := NewBuffer(1024)
	if _, err := b.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	b.ClearAll()
	if b.Used() != 0 {
		t.Errorf("Used() after ClearAll = %d, want 0", b.Used())
	}
}

func TestBufferSet_Sharding(t *testing.T) {
	registry := NewRegistry()
	bs, err := NewBufferSet(registry, 4, 4096)
	if err != nil {
		t.Fatalf("NewBufferSet returned error: %v", err)
	}

	if bs.For(0) != bs.For(4) {
		t.Error("file numbers 0 and 4 should map to the same shard")
	}
	if bs.For(1) == bs.For(2) {
		t.Error("file numbers 1 and 2 should not generally map to the same shard")
	}
}

func TestBufferSet_AppendAndResolve(t *testing.T) {
	registry := NewRegistry()
	bs, err := NewBufferSet(registry, 2, 4096)
	if err != nil {
		t.Fatalf("NewBufferSet returned error: %v", err)
	}

	ptr, err := bs.Append(7, []byte("key"), []byte("value"))
	if err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	key, value, err := registry.ReadEntry(ptr)
	if err != nil {
		t.Fatalf("ReadEntry returned error: %v", err)
	}
	if string(key) != "key" || string(value) != "value" {
		t.Errorf("entry = (%q, %q), want (%q, %q)", key, value, "key", "value")
	}
}

func TestRegistry_UnknownPool(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Resolve(Pointer{})
	if err != ErrUnknownPool {
		t.Errorf("Resolve on empty registry returned %v, want ErrUnknownPool", err)
	}
}
