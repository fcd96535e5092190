package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrBufferFull is returned by Append when an entry does not fit in the
// buffer's remaining capacity.
var ErrBufferFull = errors.New("pmem: buffer is full")

// ErrShortEntry is returned by ReadEntry when the bytes at an offset cannot
// be decoded as a complete key/value entry.
var ErrShortEntry = errors.New("pmem: truncated entry")

// Buffer is an append-only byte-addressable region that frames entries as
//
//	varint(len(key)) | key | varint(len(value)) | value
//
// New entries are bump-allocated at the current write offset; nothing is
// ever overwritten in place. Buffer models one PMEM memory-mapped region;
// a BufferSet shards writes across several of these to spread allocator
// contention the way the block-storage tier shards SSTables across levels.
type Buffer struct {
	mu   sync.Mutex
	id   uuid.UUID
	data []byte
	used int
}

// NewBuffer allocates a Buffer with the given fixed capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data: make([]byte, capacity),
	}
}

// ID returns the pool ID this buffer was assigned when registered. It is
// the zero UUID until Register is called on it.
func (b *Buffer) ID() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Append frames key and value and bump-allocates them at the tail of the
// buffer, returning a Pointer to the new entry's offset.
func (b *Buffer) Append(key, value []byte) (Pointer, error) {
	need := binary.MaxVarintLen64*2 + len(key) + len(value)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.used+need > len(b.data) {
		// Try the exact size before giving up; MaxVarintLen64 is a
		// worst-case bound and most keys/values encode shorter.
		exact := varintLen(uint64(len(key))) + len(key) + varintLen(uint64(len(value))) + len(value)
		if b.used+exact > len(b.data) {
			return Pointer{}, ErrBufferFull
		}
		need = exact
	}

	offset := b.used
	n := binary.PutUvarint(b.data[b.used:], uint64(len(key)))
	b.used += n
	b.used += copy(b.data[b.used:], key)

	n = binary.PutUvarint(b.data[b.used:], uint64(len(value)))
	b.used += n
	b.used += copy(b.data[b.used:], value)

	return Pointer{PoolID: b.id, Offset: uint64(offset)}, nil
}

// ReadEntry decodes the key/value pair framed at offset.
func (b *Buffer) ReadEntry(offset uint64) (key, value []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset >= uint64(b.used) {
		return nil, nil, ErrShortEntry
	}

	buf := b.data[offset:b.used]

	klen, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, ErrShortEntry
	}
	buf = buf[n:]
	if uint64(len(buf)) < klen {
		return nil, nil, ErrShortEntry
	}
	key = append([]byte(nil), buf[:klen]...)
	buf = buf[klen:]

	vlen, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, ErrShortEntry
	}
	buf = buf[n:]
	if uint64(len(buf)) < vlen {
		return nil, nil, ErrShortEntry
	}
	value = append([]byte(nil), buf[:vlen]...)

	return key, value, nil
}

// Used returns the number of bytes currently allocated in the buffer.
func (b *Buffer) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.used)
}

// Cap returns the buffer's total capacity.
func (b *Buffer) Cap() int64 {
	return int64(len(b.data))
}

// Flush is a placeholder for the persistence barrier a real PMEM-mapped
// region would need (pmem_persist/pmem_drain); since Buffer here is a plain
// in-process byte slice there is nothing to flush, but callers write
// against this contract so swapping in a real mmap'd region is a one-file
// change.
func (b *Buffer) Flush() error {
	return nil
}

// ClearAll resets the buffer to empty, invalidating every Pointer minted
// from it. Callers must ensure no skiplist still references this buffer's
// pool ID before calling ClearAll.
func (b *Buffer) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}

func varintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// BufferSet shards entries across n independently-locked Buffers, keyed by
// file_number, so concurrent flushes of different memtables don't
// serialize on one allocator.
type BufferSet struct {
	registry *Registry
	buffers  []*Buffer
}

// NewBufferSet creates n buffers of capacityPerBuffer bytes each, all
// registered with registry.
func NewBufferSet(registry *Registry, n, capacityPerBuffer int) (*BufferSet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pmem: buffer set size must be positive, got %d", n)
	}
	bs := &BufferSet{
		registry: registry,
		buffers:  make([]*Buffer, n),
	}
	for i := range bs.buffers {
		b := NewBuffer(capacityPerBuffer)
		registry.Register(b)
		bs.buffers[i] = b
	}
	return bs, nil
}

// For returns the shard responsible for fileNumber.
func (bs *BufferSet) For(fileNumber uint64) *Buffer {
	return bs.buffers[fileNumber%uint64(len(bs.buffers))]
}

// Append frames key/value into the shard for fileNumber.
func (bs *BufferSet) Append(fileNumber uint64, key, value []byte) (Pointer, error) {
	return bs.For(fileNumber).Append(key, value)
}
