package lsm

import (
	"bytes"
	"encoding/binary"
)

// ValueType tags what kind of record an InternalKey carries. Deletion
// records are tombstones: they carry no value and are dropped once no
// snapshot can observe them and they have reached the base level for
// their user key.
type ValueType uint8

const (
	TypeDeletion ValueType = 0
	TypeValue    ValueType = 1
)

func (t ValueType) String() string {
	if t == TypeDeletion {
		return "deletion"
	}
	return "value"
}

// InternalKey is a user key tagged with a sequence number and a value
// type, packed the way LevelDB/Pebble pack it: the 56-bit sequence and
// 8-bit type share one trailing uint64 appended after the user key bytes.
// This keeps comparisons a single byte-slice compare plus one uint64
// compare instead of three separate field compares.
type InternalKey []byte

const trailerLen = 8

// MakeInternalKey packs userKey, seq and kind into one InternalKey.
func MakeInternalKey(userKey []byte, seq uint64, kind ValueType) InternalKey {
	buf := make([]byte, len(userKey)+trailerLen)
	copy(buf, userKey)
	binary.LittleEndian.PutUint64(buf[len(userKey):], packTrailer(seq, kind))
	return InternalKey(buf)
}

func packTrailer(seq uint64, kind ValueType) uint64 {
	return seq<<8 | uint64(kind)
}

func unpackTrailer(trailer uint64) (seq uint64, kind ValueType) {
	return trailer >> 8, ValueType(trailer & 0xff)
}

// UserKey returns the user-supplied key with the trailer stripped.
func (k InternalKey) UserKey() []byte {
	if len(k) < trailerLen {
		return nil
	}
	return k[:len(k)-trailerLen]
}

// Sequence returns the key's sequence number.
func (k InternalKey) Sequence() uint64 {
	if len(k) < trailerLen {
		return 0
	}
	seq, _ := unpackTrailer(binary.LittleEndian.Uint64(k[len(k)-trailerLen:]))
	return seq
}

// Kind returns the key's value type.
func (k InternalKey) Kind() ValueType {
	if len(k) < trailerLen {
		return TypeValue
	}
	_, kind := unpackTrailer(binary.LittleEndian.Uint64(k[len(k)-trailerLen:]))
	return kind
}

// Valid reports whether k has at least a trailer.
func (k InternalKey) Valid() bool {
	return len(k) >= trailerLen
}

// UserComparator orders raw user keys, with the encoding and collation
// rules treated as an external collaborator's contract; pkg/lsm supplies
// only the default byte-lexicographic comparator.
type UserComparator func(a, b []byte) int

// DefaultUserComparator orders user keys lexicographically.
func DefaultUserComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// InternalKeyComparator orders InternalKeys by user key ascending, then by
// sequence number descending (so the newest version of a key sorts first
// within a run). Memtable, every sorted run, and the merging compaction
// iterator all order entries this way.
type InternalKeyComparator struct {
	UserCmp UserComparator
}

// NewInternalKeyComparator returns a comparator wrapping userCmp, defaulting
// to byte-lexicographic order if userCmp is nil.
func NewInternalKeyComparator(userCmp UserComparator) *InternalKeyComparator {
	if userCmp == nil {
		userCmp = DefaultUserComparator
	}
	return &InternalKeyComparator{UserCmp: userCmp}
}

// Compare orders a and b as full InternalKey byte slices.
func (c *InternalKeyComparator) Compare(a, b InternalKey) int {
	if r := c.UserCmp(a.UserKey(), b.UserKey()); r != 0 {
		return r
	}
	// Descending by sequence: higher sequence sorts first.
	as, bs := a.Sequence(), b.Sequence()
	switch {
	case as > bs:
		return -1
	case as < bs:
		return 1
	default:
		return 0
	}
}
