package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/lsmpmem/pkg/pools"
	"github.com/dd0wney/lsmpmem/pkg/wal"
)

// manifestWriter appends encoded VersionEdit records to a MANIFEST-<n>
// file using the same block-framed, CRC32C-checksummed record format as
// the WAL (pkg/wal.SegmentWriter), so a torn write during a crash is
// detected and truncates replay the same way it does for the WAL.
type manifestWriter struct {
	seg *wal.SegmentWriter
}

func manifestPath(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", number))
}

func currentPath(dir string) string {
	return filepath.Join(dir, "CURRENT")
}

// newManifestWriter creates MANIFEST-<number> and points CURRENT at it.
func newManifestWriter(dir string, number uint64) (*manifestWriter, error) {
	seg, err := wal.NewSegmentWriter(manifestPath(dir, number))
	if err != nil {
		return nil, err
	}
	if err := writeCurrentFile(dir, number); err != nil {
		seg.Close()
		return nil, err
	}
	return &manifestWriter{seg: seg}, nil
}

func writeCurrentFile(dir string, number uint64) error {
	name := filepath.Base(manifestPath(dir, number))
	tmp := currentPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0644); err != nil {
		return IOErrorf("writeCurrentFile", "writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, currentPath(dir))
}

// Append encodes edit and appends it as one manifest record, syncing so
// that a successful LogAndApply is durable before it is reported to the
// caller.
func (w *manifestWriter) Append(edit *VersionEdit) error {
	if err := w.seg.AddRecord(encodeVersionEdit(edit)); err != nil {
		return IOErrorf("manifestWriter.Append", "appending edit: %w", err)
	}
	return w.seg.Sync()
}

func (w *manifestWriter) Close() error {
	if w.seg == nil {
		return nil
	}
	return w.seg.Close()
}

// encodeVersionEdit serializes a VersionEdit to its manifest record wire
// form: a flat sequence of tagged fields, one tag-prefixed varint or
// byte-string per field, in turn one or more fields per record. The
// growable scratch buffer is drawn from the shared buffer pool, since a
// busy compaction loop appends one manifest record per edit.
func encodeVersionEdit(e *VersionEdit) []byte {
	bb := pools.NewBufferBuilder(256)
	defer bb.Release()

	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(x uint64) {
		n := binary.PutUvarint(scratch[:], x)
		bb.Write(scratch[:n])
	}
	putBytes := func(b []byte) {
		putUvarint(uint64(len(b)))
		bb.Write(b)
	}

	if e.HasLogNumber {
		bb.WriteByte(tagLogNumber)
		putUvarint(e.LogNumber)
	}
	if e.HasNextFileNumber {
		bb.WriteByte(tagNextFileNumber)
		putUvarint(e.NextFileNumber)
	}
	if e.HasLastSequence {
		bb.WriteByte(tagLastSequence)
		putUvarint(e.LastSequence)
	}
	if e.ComparatorName != "" {
		bb.WriteByte(tagComparator)
		putBytes([]byte(e.ComparatorName))
	}
	for level, files := range e.DeletedFiles {
		for _, number := range files {
			bb.WriteByte(tagDeletedFile)
			putUvarint(uint64(level))
			putUvarint(number)
		}
	}
	for level, files := range e.NewFiles {
		for _, f := range files {
			bb.WriteByte(tagNewFile)
			putUvarint(uint64(level))
			putUvarint(f.Number)
			putUvarint(uint64(f.FileSize))
			putUvarint(uint64(f.Residency))
			putBytes(f.Smallest)
			putBytes(f.Largest)
			putUvarint(uint64(f.AllowedSeeks))
		}
	}

	// bb is released at return; the caller needs a copy that outlives it.
	return append([]byte(nil), bb.Bytes()...)
}

const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagNewFile        = 5
	tagDeletedFile    = 6
)

// decodeVersionEdit parses the wire form produced by encodeVersionEdit.
func decodeVersionEdit(data []byte) (*VersionEdit, error) {
	e := NewVersionEdit()
	pos := 0

	getUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return 0, fmt.Errorf("manifest: bad varint at offset %d", pos)
		}
		pos += n
		return v, nil
	}
	getBytes := func() ([]byte, error) {
		l, err := getUvarint()
		if err != nil {
			return nil, err
		}
		if pos+int(l) > len(data) {
			return nil, fmt.Errorf("manifest: truncated field at offset %d", pos)
		}
		b := append([]byte(nil), data[pos:pos+int(l)]...)
		pos += int(l)
		return b, nil
	}

	for pos < len(data) {
		tag := data[pos]
		pos++
		switch tag {
		case tagComparator:
			name, err := getBytes()
			if err != nil {
				return nil, err
			}
			e.ComparatorName = string(name)
		case tagLogNumber:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetLogNumber(v)
		case tagNextFileNumber:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.NextFileNumber = v
			e.HasNextFileNumber = true
		case tagLastSequence:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetLastSequence(v)
		case tagDeletedFile:
			level, err := getUvarint()
			if err != nil {
				return nil, err
			}
			number, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.DeleteFile(int(level), number)
		case tagNewFile:
			level, err := getUvarint()
			if err != nil {
				return nil, err
			}
			number, err := getUvarint()
			if err != nil {
				return nil, err
			}
			size, err := getUvarint()
			if err != nil {
				return nil, err
			}
			residency, err := getUvarint()
			if err != nil {
				return nil, err
			}
			smallest, err := getBytes()
			if err != nil {
				return nil, err
			}
			largest, err := getBytes()
			if err != nil {
				return nil, err
			}
			seeks, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.AddFile(int(level), &FileMetaData{
				Number:       number,
				FileSize:     int64(size),
				Residency:    Residency(residency),
				Smallest:     InternalKey(smallest),
				Largest:      InternalKey(largest),
				AllowedSeeks: int64(seeks),
			})
		default:
			return nil, fmt.Errorf("manifest: unknown record tag %d at offset %d", tag, pos-1)
		}
	}
	return e, nil
}

// currentManifestNumber reads CURRENT and parses out the manifest file
// number it names, used by recovery.go to keep appending to the same
// manifest rather than starting a fresh one on every reopen.
func currentManifestNumber(dir string) (uint64, error) {
	data, err := os.ReadFile(currentPath(dir))
	if err != nil {
		return 0, err
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	var number uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%06d", &number); err != nil {
		return 0, fmt.Errorf("manifest: malformed CURRENT contents %q: %w", name, err)
	}
	return number, nil
}

// openManifestForAppend reopens an existing MANIFEST file in append mode,
// used after recovery to keep extending the manifest CURRENT already
// names instead of starting a new one on every reopen.
func openManifestForAppend(dir string, number uint64) (*manifestWriter, error) {
	seg, err := wal.NewSegmentWriter(manifestPath(dir, number))
	if err != nil {
		return nil, err
	}
	return &manifestWriter{seg: seg}, nil
}

// replayManifest reads every edit from the manifest file named by
// CURRENT and applies them in order to reconstruct a Version, used by
// recovery.go at Open.
func replayManifest(dir string, cmp *InternalKeyComparator) (*Version, uint64, uint64, uint64, error) {
	data, err := os.ReadFile(currentPath(dir))
	if err != nil {
		return nil, 0, 0, 0, err
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}

	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, 0, 0, 0, IOErrorf("replayManifest", "opening %s: %w", name, err)
	}
	defer file.Close()

	vs := &VersionSet{cmp: cmp}
	v := newVersion(vs)
	v.Ref()

	reader := wal.NewSegmentReader(file)
	var logNumber, nextFileNumber, lastSequence uint64

	for {
		record, err := reader.ReadRecord()
		if err != nil {
			break
		}
		edit, err := decodeVersionEdit(record)
		if err != nil {
			break
		}
		applyEdit(v, edit, cmp)
		if edit.HasLogNumber {
			logNumber = edit.LogNumber
		}
		if edit.HasNextFileNumber {
			nextFileNumber = edit.NextFileNumber
		}
		if edit.HasLastSequence {
			lastSequence = edit.LastSequence
		}
	}

	return v, logNumber, nextFileNumber, lastSequence, nil
}
