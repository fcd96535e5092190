package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
)

// SSTable is an immutable, sorted, on-disk run of InternalKey/value
// entries.
//
// Format:
//
//	[Header: magic(4) | version(4) | entry_count(8) | index_offset(8) | compressed(1)]
//	[Data Block: entries in ascending InternalKey order, each value optionally snappy-compressed]
//	[Index Block: sparse index every IndexInterval keys]
//	[Footer: bloom_filter_len(4) | bloom_filter | crc32(4)]
const (
	SSTableMagic   = 0x53535442 // "SSTB"
	SSTableVersion = 2          // v2: InternalKey entries (v1 used a flat Entry record)
	IndexInterval  = 128
)

type SSTableHeader struct {
	Magic       uint32
	Version     uint32
	EntryCount  uint64
	IndexOffset uint64
	Compressed  uint8
}

// IndexEntry is one sparse-index entry: the InternalKey of the first
// record in a block, and that block's byte offset.
type IndexEntry struct {
	Key    InternalKey
	Offset uint64
}

// SSTable is the block-storage sorted run satisfying the sortedRun
// interface; it is the cold-tier counterpart to pmemRun.
type SSTable struct {
	path       string
	file       *os.File
	header     SSTableHeader
	index      []IndexEntry
	bloom      *BloomFilter
	entryCount int
	cmp        *InternalKeyComparator
	smallest   InternalKey
	largest    InternalKey
}

// sstEntry is one record as framed on disk.
type sstEntry struct {
	Key   InternalKey
	Value []byte
}

// BuildSSTable writes entries (already sorted ascending by cmp) to path as
// a new SSTable. compress enables per-entry snappy compression of the
// value payload, using the same github.com/golang/snappy framing as the
// WAL's compressed segment format, applied here to SST data blocks.
func BuildSSTable(path string, entries []sstEntry, cmp *InternalKeyComparator, compress bool) (*SSTable, error) {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	sort.Slice(entries, func(i, j int) bool {
		return cmp.Compare(entries[i].Key, entries[j].Key) < 0
	})

	bloom := NewBloomFilter(len(entries), 0.01)
	for _, e := range entries {
		bloom.Add(e.Key.UserKey())
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, IOErrorf("BuildSSTable", "creating %s: %w", path, err)
	}

	writer := bufio.NewWriter(file)

	var compressedFlag uint8
	if compress {
		compressedFlag = 1
	}
	header := SSTableHeader{
		Magic:      SSTableMagic,
		Version:    SSTableVersion,
		EntryCount: uint64(len(entries)),
		Compressed: compressedFlag,
	}

	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "writing header: %w", err)
	}

	index := make([]IndexEntry, 0)
	offset := uint64(binary.Size(header))

	for i, e := range entries {
		if i%IndexInterval == 0 {
			index = append(index, IndexEntry{Key: e.Key, Offset: offset})
		}
		n, err := writeSSTEntry(writer, e, compress)
		if err != nil {
			file.Close()
			return nil, IOErrorf("BuildSSTable", "writing entry %d: %w", i, err)
		}
		offset += uint64(n)
	}

	header.IndexOffset = offset
	if err := writeSSTIndex(writer, index); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "writing index: %w", err)
	}

	bloomData := bloom.MarshalBinary()
	if err := binary.Write(writer, binary.LittleEndian, uint32(len(bloomData))); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "writing bloom length: %w", err)
	}
	if _, err := writer.Write(bloomData); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "writing bloom filter: %w", err)
	}

	crc := crc32.ChecksumIEEE(bloomData)
	if err := binary.Write(writer, binary.LittleEndian, crc); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "writing footer crc: %w", err)
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "flushing: %w", err)
	}

	if _, err := file.Seek(0, 0); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "seeking to header: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "rewriting header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, IOErrorf("BuildSSTable", "syncing: %w", err)
	}

	sst := &SSTable{
		path:       path,
		file:       file,
		header:     header,
		index:      index,
		bloom:      bloom,
		entryCount: len(entries),
		cmp:        cmp,
	}
	if len(entries) > 0 {
		sst.smallest = entries[0].Key
		sst.largest = entries[len(entries)-1].Key
	}
	return sst, nil
}

// OpenSSTable opens an existing SSTable for reading.
func OpenSSTable(path string, cmp *InternalKeyComparator) (*SSTable, error) {
	if cmp == nil {
		cmp = NewInternalKeyComparator(nil)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, IOErrorf("OpenSSTable", "opening %s: %w", path, err)
	}

	var header SSTableHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, IOErrorf("OpenSSTable", "reading header: %w", err)
	}
	if header.Magic != SSTableMagic {
		file.Close()
		return nil, CorruptionError("OpenSSTable", fmt.Errorf("bad magic %x in %s", header.Magic, path))
	}

	if _, err := file.Seek(int64(header.IndexOffset), 0); err != nil {
		file.Close()
		return nil, IOErrorf("OpenSSTable", "seeking to index: %w", err)
	}
	index, err := readSSTIndex(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	// A missing or unreadable filter degrades to filterless reads; an
	// all-zero filter would wrongly report every key absent.
	var bloom *BloomFilter
	var bloomSize uint32
	if err := binary.Read(file, binary.LittleEndian, &bloomSize); err == nil {
		bloomData := make([]byte, bloomSize)
		if _, err := io.ReadFull(file, bloomData); err == nil {
			candidate := NewBloomFilter(int(header.EntryCount), 0.01)
			if candidate.UnmarshalBinary(bloomData) == nil {
				bloom = candidate
			}
		}
	}

	sst := &SSTable{
		path:       path,
		file:       file,
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

func (sst *SSTable) FileSize() int64 {
	info, err := os.Stat(sst.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (sst *SSTable) Smallest() InternalKey { return sst.smallest }
func (sst *SSTable) Largest() InternalKey  { return sst.largest }

// Get finds the newest version of key's user key at or below key's
// sequence. Entries order user key ascending then sequence descending,
// so the first entry >= key sharing its user key is the version a reader
// at that sequence should see; found=true with a nil value reports a
// tombstone.
func (sst *SSTable) Get(key InternalKey) ([]byte, bool, error) {
	if sst.bloom != nil && !sst.bloom.MayContain(key.UserKey()) {
		return nil, false, nil
	}

	file, err := os.Open(sst.path)
	if err != nil {
		return nil, false, IOErrorf("SSTable.Get", "reopening %s: %w", sst.path, err)
	}
	defer file.Close()

	idx := sort.Search(len(sst.index), func(i int) bool {
		return sst.cmp.Compare(sst.index[i].Key, key) >= 0
	})

	startOffset := uint64(binary.Size(sst.header))
	maxEntries := sst.entryCount
	if idx > 0 {
		startOffset = sst.index[idx-1].Offset
		maxEntries = IndexInterval * 2
	}

	if _, err := file.Seek(int64(startOffset), 0); err != nil {
		return nil, false, IOErrorf("SSTable.Get", "seeking: %w", err)
	}
	reader := bufio.NewReader(file)

	for i := 0; i < maxEntries; i++ {
		entry, err := readSSTEntry(reader, sst.header.Compressed == 1)
		if err != nil {
			return nil, false, nil
		}
		if sst.cmp.Compare(entry.Key, key) < 0 {
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

// NewIterator returns a forward iterator over every entry in the file.
func (sst *SSTable) NewIterator() (RunIterator, error) {
	file, err := os.Open(sst.path)
	if err != nil {
		return nil, IOErrorf("SSTable.NewIterator", "reopening %s: %w", sst.path, err)
	}
	if _, err := file.Seek(int64(binary.Size(sst.header)), 0); err != nil {
		file.Close()
		return nil, IOErrorf("SSTable.NewIterator", "seeking: %w", err)
	}
	return &sstableIterator{
		file:       file,
		reader:     bufio.NewReader(file),
		remaining:  sst.entryCount,
		compressed: sst.header.Compressed == 1,
	}, nil
}

type sstableIterator struct {
	file       *os.File
	reader     *bufio.Reader
	remaining  int
	compressed bool
	cur        sstEntry
	err        error
}

func (it *sstableIterator) Next() bool {
	if it.remaining <= 0 {
		return false
	}
	entry, err := readSSTEntry(it.reader, it.compressed)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = entry
	it.remaining--
	return true
}

func (it *sstableIterator) Key() InternalKey { return it.cur.Key }
func (it *sstableIterator) Value() []byte    { return it.cur.Value }
func (it *sstableIterator) Err() error        { return it.err }
func (it *sstableIterator) Close() error      { return it.file.Close() }

// Close closes the SSTable's file handle.
func (sst *SSTable) Close() error {
	if sst.file != nil {
		return sst.file.Close()
	}
	return nil
}

// Remove deletes the SSTable's backing file, used when an obsolete file
// is swept after a VersionEdit drops its last reference.
func (sst *SSTable) Remove() error {
	sst.Close()
	return os.Remove(sst.path)
}

func writeSSTEntry(w *bufio.Writer, e sstEntry, compress bool) (int, error) {
	size := 0

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return 0, err
	}
	size += 4
	n, err := w.Write(e.Key)
	if err != nil {
		return 0, err
	}
	size += n

	value := e.Value
	if compress && len(value) > 0 {
		value = snappy.Encode(nil, value)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(value))); err != nil {
		return 0, err
	}
	size += 4
	n, err = w.Write(value)
	if err != nil {
		return 0, err
	}
	size += n

	return size, nil
}

func readSSTEntry(r *bufio.Reader, compressed bool) (sstEntry, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return sstEntry{}, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return sstEntry{}, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return sstEntry{}, err
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return sstEntry{}, err
	}

	if compressed && len(value) > 0 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return sstEntry{}, CorruptionError("readSSTEntry", err)
		}
		value = decoded
	}

	return sstEntry{Key: InternalKey(key), Value: value}, nil
}

func writeSSTIndex(w *bufio.Writer, index []IndexEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(index))); err != nil {
		return err
	}
	for _, e := range index {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := w.Write(e.Key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

func readSSTIndex(r io.Reader) ([]IndexEntry, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, IOErrorf("readSSTIndex", "reading count: %w", err)
	}
	index := make([]IndexEntry, count)
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, IOErrorf("readSSTIndex", "reading key length: %w", err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, IOErrorf("readSSTIndex", "reading key: %w", err)
		}
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, IOErrorf("readSSTIndex", "reading offset: %w", err)
		}
		index[i] = IndexEntry{Key: InternalKey(key), Offset: offset}
	}
	return index, nil
}

// SSTablePath generates the on-disk path for a new SST file_number.
func SSTablePath(dir string, fileNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", fileNumber))
}
