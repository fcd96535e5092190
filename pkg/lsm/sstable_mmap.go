package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/golang/snappy"
	"golang.org/x/exp/mmap"
)

// MappedSSTable is the memory-mapped read path for an SSTable: same
// on-disk format as SSTable, but Get/NewIterator read straight out of the
// OS page cache via golang.org/x/exp/mmap.ReaderAt rather than reopening
// and seeking a regular *os.File. Used by TableCache for files above a
// size threshold where mmap's avoided syscall-per-read pays for itself.
type MappedSSTable struct {
	path       string
	mmap       *mmap.ReaderAt
	header     SSTableHeader
	index      []IndexEntry
	bloom      *BloomFilter
	entryCount int
	cmp        *InternalKeyComparator
	smallest   InternalKey
	largest    InternalKey
}

// OpenMappedSSTable opens an SSTable using memory-mapped I/O.
func OpenMappedSSTable(path string, cmp *InternalKeyComparator) (*MappedSSTable, error) {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, IOErrorf("OpenMappedSSTable", "opening %s: %w", path, err)
	}

	headerSize := binary.Size(SSTableHeader{})
	headerBuf := make([]byte, headerSize)
	if _, err := reader.ReadAt(headerBuf, 0); err != nil {
		reader.Close()
		return nil, IOErrorf("OpenMappedSSTable", "reading header: %w", err)
	}

	var header SSTableHeader
	if err := binary.Read(bytes.NewReader(headerBuf), binary.LittleEndian, &header); err != nil {
		reader.Close()
		return nil, IOErrorf("OpenMappedSSTable", "decoding header: %w", err)
	}
	if header.Magic != SSTableMagic {
		reader.Close()
		return nil, CorruptionError("OpenMappedSSTable", fmt.Errorf("invalid magic %x in %s", header.Magic, path))
	}

	index, bloomEnd, err := readIndexFromMmap(reader, int64(header.IndexOffset))
	if err != nil {
		reader.Close()
		return nil, err
	}

	// Same filterless degradation as OpenSSTable: never keep an
	// all-zero filter that would veto every lookup.
	var bloom *BloomFilter
	var bloomSizeBuf [4]byte
	if _, err := reader.ReadAt(bloomSizeBuf[:], bloomEnd); err == nil {
		var bloomSize uint32
		binary.Read(bytes.NewReader(bloomSizeBuf[:]), binary.LittleEndian, &bloomSize)
		bloomData := make([]byte, bloomSize)
		if _, err := reader.ReadAt(bloomData, bloomEnd+4); err == nil {
			candidate := NewBloomFilter(int(header.EntryCount), 0.01)
			if candidate.UnmarshalBinary(bloomData) == nil {
				bloom = candidate
			}
		}
	}

	sst := &MappedSSTable{
		path:       path,
		mmap:       reader,
		header:     header,
		index:      index,
		bloom:      bloom,
		entryCount: int(header.EntryCount),
		cmp:        cmp,
	}
	if len(index) > 0 {
		sst.smallest = index[0].Key
	}
	return sst, nil
}

func (sst *MappedSSTable) Smallest() InternalKey { return sst.smallest }
func (sst *MappedSSTable) Largest() InternalKey  { return sst.largest }

// Get finds the newest version of key's user key at or below key's
// sequence via mmap'd reads, with the same versioned-lookup semantics as
// SSTable.Get.
func (sst *MappedSSTable) Get(key InternalKey) ([]byte, bool, error) {
	if sst.bloom != nil && !sst.bloom.MayContain(key.UserKey()) {
		return nil, false, nil
	}

	idx := sort.Search(len(sst.index), func(i int) bool {
		return sst.cmp.Compare(sst.index[i].Key, key) >= 0
	})

	startOffset := int64(binary.Size(sst.header))
	maxEntries := sst.entryCount
	if idx > 0 {
		startOffset = int64(sst.index[idx-1].Offset)
		maxEntries = IndexInterval * 2
	}

	offset := startOffset
	for i := 0; i < maxEntries; i++ {
		entry, bytesRead, err := readEntryFromMmap(sst.mmap, offset, sst.header.Compressed == 1)
		if err != nil {
			return nil, false, nil
		}
		if sst.cmp.Compare(entry.Key, key) < 0 {
			offset += int64(bytesRead)
			continue
		}
		if sst.cmp.UserCmp(entry.Key.UserKey(), key.UserKey()) != 0 {
			return nil, false, nil
		}
		if entry.Key.Kind() == TypeDeletion {
			return nil, true, nil
		}
		return entry.Value, true, nil
	}
	return nil, false, nil
}

// NewIterator returns a forward iterator over the whole file, backed by
// mmap reads rather than a buffered *os.File.
func (sst *MappedSSTable) NewIterator() (RunIterator, error) {
	return &mmapIterator{
		sst:       sst,
		offset:    int64(binary.Size(sst.header)),
		remaining: sst.entryCount,
	}, nil
}

type mmapIterator struct {
	sst       *MappedSSTable
	offset    int64
	remaining int
	cur       sstEntry
	err       error
}

func (it *mmapIterator) Next() bool {
	if it.remaining <= 0 {
		return false
	}
	entry, n, err := readEntryFromMmap(it.sst.mmap, it.offset, it.sst.header.Compressed == 1)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = entry
	it.offset += int64(n)
	it.remaining--
	return true
}

func (it *mmapIterator) Key() InternalKey { return it.cur.Key }
func (it *mmapIterator) Value() []byte    { return it.cur.Value }
func (it *mmapIterator) Err() error        { return it.err }

// Close closes the memory-mapped file.
func (sst *MappedSSTable) Close() error {
	if sst.mmap != nil {
		return sst.mmap.Close()
	}
	return nil
}

func readEntryFromMmap(r *mmap.ReaderAt, offset int64, compressed bool) (sstEntry, int, error) {
	bytesRead := 0

	var keyLenBuf [4]byte
	if _, err := r.ReadAt(keyLenBuf[:], offset); err != nil {
		return sstEntry{}, 0, err
	}
	var keyLen uint32
	binary.Read(bytes.NewReader(keyLenBuf[:]), binary.LittleEndian, &keyLen)
	offset += 4
	bytesRead += 4

	key := make([]byte, keyLen)
	if _, err := r.ReadAt(key, offset); err != nil {
		return sstEntry{}, 0, err
	}
	offset += int64(keyLen)
	bytesRead += int(keyLen)

	var valueLenBuf [4]byte
	if _, err := r.ReadAt(valueLenBuf[:], offset); err != nil {
		return sstEntry{}, 0, err
	}
	var valueLen uint32
	binary.Read(bytes.NewReader(valueLenBuf[:]), binary.LittleEndian, &valueLen)
	offset += 4
	bytesRead += 4

	value := make([]byte, valueLen)
	if _, err := r.ReadAt(value, offset); err != nil {
		return sstEntry{}, 0, err
	}
	bytesRead += int(valueLen)

	if compressed && len(value) > 0 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return sstEntry{}, 0, CorruptionError("readEntryFromMmap", err)
		}
		value = decoded
	}

	return sstEntry{Key: InternalKey(key), Value: value}, bytesRead, nil
}

// readIndexFromMmap reads the sparse index starting at offset, returning
// the index entries and the byte offset immediately following the index
// block (where the bloom-filter length field begins).
func readIndexFromMmap(r *mmap.ReaderAt, offset int64) ([]IndexEntry, int64, error) {
	var countBuf [4]byte
	if _, err := r.ReadAt(countBuf[:], offset); err != nil {
		return nil, 0, IOErrorf("readIndexFromMmap", "reading count: %w", err)
	}
	var count uint32
	binary.Read(bytes.NewReader(countBuf[:]), binary.LittleEndian, &count)
	offset += 4

	index := make([]IndexEntry, count)

	for i := uint32(0); i < count; i++ {
		var keyLenBuf [4]byte
		if _, err := r.ReadAt(keyLenBuf[:], offset); err != nil {
			return nil, 0, IOErrorf("readIndexFromMmap", "reading key length: %w", err)
		}
		var keyLen uint32
		binary.Read(bytes.NewReader(keyLenBuf[:]), binary.LittleEndian, &keyLen)
		offset += 4

		key := make([]byte, keyLen)
		if _, err := r.ReadAt(key, offset); err != nil {
			return nil, 0, IOErrorf("readIndexFromMmap", "reading key: %w", err)
		}
		offset += int64(keyLen)

		var offsetBuf [8]byte
		if _, err := r.ReadAt(offsetBuf[:], offset); err != nil {
			return nil, 0, IOErrorf("readIndexFromMmap", "reading offset: %w", err)
		}
		var entryOffset uint64
		binary.Read(bytes.NewReader(offsetBuf[:]), binary.LittleEndian, &entryOffset)
		offset += 8

		index[i] = IndexEntry{Key: InternalKey(key), Offset: entryOffset}
	}

	return index, offset, nil
}

var (
	_ io.Closer = (*MappedSSTable)(nil)
	_ sortedRun = (*MappedSSTable)(nil)
)
