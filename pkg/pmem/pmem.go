// Package pmem models the byte-addressable persistent-memory tier of the
// storage engine: an append-only Buffer holding encoded key/value entries,
// and a Skiplist that indexes pointers into those buffers in sorted order.
//
// There is no real PMEM hardware here (that dependency is an external
// collaborator per the storage engine's contract); a Buffer is a plain
// []byte region and a Pointer is a (pool_id, offset) pair validated against
// a Registry on each dereference, the same way the engine's block storage
// tier addresses bytes in a file by (file_number, offset).
package pmem
