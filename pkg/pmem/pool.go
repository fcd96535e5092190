package pmem

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownPool is returned when a Pointer's PoolID does not match any
// Buffer registered with a Registry.
var ErrUnknownPool = errors.New("pmem: pointer references an unregistered pool")

// Pointer addresses one entry inside a Buffer: the pool it lives in and its
// byte offset within that pool's backing array. It plays the same role for
// the PMEM tier that a (file_number, offset) pair plays for block storage.
type Pointer struct {
	PoolID uuid.UUID
	Offset uint64
}

// IsZero reports whether p is the zero Pointer, used as a null sentinel in
// skiplist nodes and iterator cursors.
func (p Pointer) IsZero() bool {
	return p.PoolID == uuid.Nil && p.Offset == 0
}

// Registry maps pool IDs to the live Buffer that backs them, so a Pointer
// minted by one Buffer can be safely dereferenced later without the caller
// holding on to the *Buffer itself. Skiplist instances and iterators resolve
// through a Registry rather than a bare Buffer reference, the same way the
// table cache resolves a file_number to an open SSTable reader.
type Registry struct {
	mu    sync.RWMutex
	pools map[uuid.UUID]*Buffer
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{
		pools: make(map[uuid.UUID]*Buffer),
	}
}

// Register assigns b a new pool ID and makes it resolvable through r.
func (r *Registry) Register(b *Buffer) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	b.id = id
	r.pools[id] = b
	return id
}

// Unregister removes a pool, e.g. after its owning skiplist instance has
// been deleted and its entries are no longer reachable.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, id)
}

// Resolve returns the Buffer backing ptr's pool.
func (r *Registry) Resolve(ptr Pointer) (*Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.pools[ptr.PoolID]
	if !ok {
		return nil, ErrUnknownPool
	}
	return b, nil
}

// ReadEntry dereferences ptr through r and decodes the key/value pair at
// that offset.
func (r *Registry) ReadEntry(ptr Pointer) (key, value []byte, err error) {
	b, err := r.Resolve(ptr)
	if err != nil {
		return nil, nil, err
	}
	return b.ReadEntry(ptr.Offset)
}
