// Package pools provides object pooling for reducing GC pressure.
//
// This package contains various pool implementations for commonly
// allocated types in the storage engine:
//
//   - BytePool: Size-class based byte slice pooling (key/value encode buffers)
//   - Uint64Pool: Pooling for uint64 slices (file-number, sequence-number lists)
//   - BufferBuilder: Efficient buffer construction with pooling
package pools
