package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"
)

// BlockSize is the fixed physical record block used by SegmentWriter/
// SegmentReader for a `<n>.log` file's 32 KiB block layout.
const BlockSize = 32 * 1024

// record header: crc32(4) | length(2) | record_type(1)
const recordHeaderSize = 7

type recordType uint8

const (
	recFull recordType = iota + 1
	recFirst
	recMiddle
	recLast
)

// SegmentWriter appends CRC32C-checksummed records, each fragment framed
// by a crc(4) | length(2) | type(1) header, to a `<n>.log` file,
// splitting any record spanning a block
// boundary into FIRST/MIDDLE/LAST fragments over fixed-size physical
// blocks so a reader can resynchronize after a torn write.
type SegmentWriter struct {
	file        *os.File
	writer      *bufio.Writer
	blockOffset int
	compressed  bool
}

// NewSegmentWriter opens (creating if needed) path for appending,
// without snappy compression.
func NewSegmentWriter(path string) (*SegmentWriter, error) {
	return newSegmentWriter(path, false)
}

// NewSegmentWriterCompressed opens path for appending with every record
// snappy-compressed before framing, using the same `<n>.log` block
// format as NewSegmentWriter. The matching reader must be opened with
// NewSegmentReaderCompressed.
func NewSegmentWriterCompressed(path string) (*SegmentWriter, error) {
	return newSegmentWriter(path, true)
}

func newSegmentWriter(path string, compressed bool) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &SegmentWriter{
		file:        file,
		writer:      bufio.NewWriter(file),
		blockOffset: int(info.Size() % BlockSize),
		compressed:  compressed,
	}, nil
}

// AddRecord appends one length-framed record, fragmenting across block
// boundaries as needed. When the writer was opened compressed, data is
// snappy-encoded before framing so the on-disk fragments already hold
// the compressed bytes.
func (w *SegmentWriter) AddRecord(data []byte) error {
	if w.compressed {
		data = snappy.Encode(nil, data)
	}
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < recordHeaderSize {
			if leftover > 0 {
				if _, err := w.writer.Write(make([]byte, leftover)); err != nil {
					return err
				}
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - recordHeaderSize
		fragment := len(data)
		if fragment > avail {
			fragment = avail
		}

		var typ recordType
		end := fragment == len(data)
		switch {
		case begin && end:
			typ = recFull
		case begin && !end:
			typ = recFirst
		case !begin && end:
			typ = recLast
		default:
			typ = recMiddle
		}

		if err := w.writeFragment(typ, data[:fragment]); err != nil {
			return err
		}
		data = data[fragment:]
		begin = false
		if len(data) == 0 {
			break
		}
	}
	return nil
}

func (w *SegmentWriter) writeFragment(typ recordType, data []byte) error {
	crc := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(data)))
	hdr[6] = byte(typ)

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	w.blockOffset += recordHeaderSize + len(data)
	return nil
}

// Sync flushes buffered data and fsyncs the file, used when WriteOptions
// requests a durable commit.
func (w *SegmentWriter) Sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Flush flushes buffered data without fsyncing.
func (w *SegmentWriter) Flush() error {
	return w.writer.Flush()
}

func (w *SegmentWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// SegmentReader replays records written by SegmentWriter, used during
// recovery to rebuild a memtable from a `<n>.log` file.
type SegmentReader struct {
	reader      *bufio.Reader
	blockOffset int
	compressed  bool
}

func NewSegmentReader(file *os.File) *SegmentReader {
	return &SegmentReader{reader: bufio.NewReaderSize(file, BlockSize)}
}

// NewSegmentReaderCompressed opens a reader over a segment written by
// NewSegmentWriterCompressed, snappy-decoding each reassembled record.
func NewSegmentReaderCompressed(file *os.File) *SegmentReader {
	return &SegmentReader{reader: bufio.NewReaderSize(file, BlockSize), compressed: true}
}

// ReadRecord returns the next whole (possibly reassembled) record, or
// io.EOF when the segment is exhausted. A checksum mismatch or truncated
// trailing fragment (a torn write from a crash mid-append) stops replay
// and returns io.EOF without error rather than propagating a hard
// failure, so recovery can use whatever prefix of the log is intact.
func (r *SegmentReader) ReadRecord() ([]byte, error) {
	var record []byte
	for {
		if BlockSize-r.blockOffset < recordHeaderSize {
			if err := r.skipToBlockBoundary(); err != nil {
				return nil, err
			}
		}

		var hdr [recordHeaderSize]byte
		if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		r.blockOffset += recordHeaderSize

		crc := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint16(hdr[4:6])
		typ := recordType(hdr[6])

		data := make([]byte, length)
		if _, err := io.ReadFull(r.reader, data); err != nil {
			return nil, io.EOF
		}
		r.blockOffset += int(length)

		if crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)) != crc {
			return nil, io.EOF
		}

		record = append(record, data...)

		switch typ {
		case recFull, recLast:
			if !r.compressed {
				return record, nil
			}
			decoded, err := snappy.Decode(nil, record)
			if err != nil {
				return nil, io.EOF
			}
			return decoded, nil
		case recFirst, recMiddle:
			continue
		default:
			return nil, io.EOF
		}
	}
}

func (r *SegmentReader) skipToBlockBoundary() error {
	remaining := BlockSize - r.blockOffset
	if remaining > 0 {
		if _, err := io.CopyN(io.Discard, r.reader, int64(remaining)); err != nil {
			return io.EOF
		}
	}
	r.blockOffset = 0
	return nil
}
