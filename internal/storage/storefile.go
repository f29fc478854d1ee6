package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// StoreFile is an immutable sorted file of cells, produced by a flush or
// a merge. Cells are grouped into snappy-compressed blocks, each framed
// with a CRC32 checksum. A block index, a row bloom filter, and a footer
// follow the data section.
//
// File format:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│ Data Blocks                                                  │
//	│   [CRC32, compressed length, snappy(cells)] ...              │
//	├──────────────────────────────────────────────────────────────┤
//	│ Block Index    [firstRow, offset] per block                  │
//	├──────────────────────────────────────────────────────────────┤
//	│ Bloom Filter   serialized row filter                         │
//	├──────────────────────────────────────────────────────────────┤
//	│ Footer                                                       │
//	│   index offset/length, bloom offset/length, cell count,      │
//	│   min row, max row                                           │
//	│   footer length (4) · footer CRC32 (4) · magic (4)           │
//	└──────────────────────────────────────────────────────────────┘
const (
	storeFileMagic = 0x4d534631 // "MSF1"

	// Cells carried per bloom filter estimate; flush-sized files stay
	// well under this.
	bloomEstimate = 100_000
)

type blockIndexEntry struct {
	firstRow []byte
	offset   int64
}

// StoreFileWriter streams cells, in sort order, into a new store file.
type StoreFileWriter struct {
	file      *os.File
	writer    *bufio.Writer
	path      string
	blockSize int

	blockBuf bytes.Buffer
	index    []blockIndexEntry
	filter   *bloom.BloomFilter
	offset   int64
	count    uint64
	minRow   []byte
	maxRow   []byte
	last     *Cell
}

// NewStoreFileWriter creates a writer for a new store file at path.
func NewStoreFileWriter(path string, cfg Config) (*StoreFileWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &StoreFileWriter{
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		path:      path,
		blockSize: cfg.BlockSize,
		filter:    bloom.NewWithEstimates(bloomEstimate, cfg.BloomFPR),
	}, nil
}

// Append adds a cell. Cells must arrive in (row, column, timestamp desc)
// order; equal-comparing cells are distinct versions and are all kept.
func (w *StoreFileWriter) Append(c *Cell) error {
	if w.last != nil && CompareCells(c, w.last) < 0 {
		return errors.Newf("out-of-order append: %q after %q", c.Row, w.last.Row)
	}
	w.last = c

	if w.count == 0 {
		w.minRow = append([]byte{}, c.Row...)
	}
	if !bytes.Equal(w.maxRow, c.Row) {
		w.maxRow = append(w.maxRow[:0], c.Row...)
		w.filter.Add(c.Row)
	}
	w.count++

	if w.blockBuf.Len() == 0 {
		w.index = append(w.index, blockIndexEntry{
			firstRow: append([]byte{}, c.Row...),
			offset:   w.offset,
		})
	}

	encodeCell(&w.blockBuf, c)

	if w.blockBuf.Len() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func encodeCell(buf *bytes.Buffer, c *Cell) {
	valueLen := uint32(len(c.Value))
	if c.Deleted {
		valueLen = tombstoneLen
	}
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(c.Row)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(c.Column)))
	binary.LittleEndian.PutUint32(hdr[8:], valueLen)
	binary.LittleEndian.PutUint64(hdr[12:], c.Timestamp)
	buf.Write(hdr[:])
	buf.Write(c.Row)
	buf.Write(c.Column)
	if !c.Deleted {
		buf.Write(c.Value)
	}
}

func parseBlockCells(data []byte) ([]*Cell, error) {
	var cells []*Cell
	offset := 0
	for offset < len(data) {
		if offset+20 > len(data) {
			return nil, errors.Wrap(ErrCorrupted, "short cell header")
		}
		rowLen := binary.LittleEndian.Uint32(data[offset:])
		colLen := binary.LittleEndian.Uint32(data[offset+4:])
		valLen := binary.LittleEndian.Uint32(data[offset+8:])
		ts := binary.LittleEndian.Uint64(data[offset+12:])
		offset += 20

		deleted := valLen == tombstoneLen
		want := int(rowLen) + int(colLen)
		if !deleted {
			want += int(valLen)
		}
		if offset+want > len(data) {
			return nil, errors.Wrap(ErrCorrupted, "truncated cell")
		}

		c := &Cell{Timestamp: ts, Deleted: deleted}
		c.Row = append([]byte{}, data[offset:offset+int(rowLen)]...)
		offset += int(rowLen)
		c.Column = append([]byte{}, data[offset:offset+int(colLen)]...)
		offset += int(colLen)
		if !deleted {
			c.Value = append([]byte{}, data[offset:offset+int(valLen)]...)
			offset += int(valLen)
		}
		cells = append(cells, c)
	}
	return cells, nil
}

func (w *StoreFileWriter) flushBlock() error {
	if w.blockBuf.Len() == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, w.blockBuf.Bytes())
	checksum := crc32.ChecksumIEEE(compressed)

	if err := binary.Write(w.writer, binary.LittleEndian, checksum); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := w.writer.Write(compressed); err != nil {
		return err
	}
	w.offset += int64(8 + len(compressed))
	w.blockBuf.Reset()
	return nil
}

// Count returns the number of cells appended so far.
func (w *StoreFileWriter) Count() uint64 { return w.count }

// Path returns the file path.
func (w *StoreFileWriter) Path() string { return w.path }

// Finish flushes the last block, writes the index, bloom filter, and
// footer, and syncs the file to disk.
func (w *StoreFileWriter) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	// Block index.
	indexOffset := w.offset
	var indexBuf bytes.Buffer
	binary.Write(&indexBuf, binary.LittleEndian, uint32(len(w.index)))
	for _, idx := range w.index {
		binary.Write(&indexBuf, binary.LittleEndian, uint32(len(idx.firstRow)))
		indexBuf.Write(idx.firstRow)
		binary.Write(&indexBuf, binary.LittleEndian, idx.offset)
	}
	if _, err := w.writer.Write(indexBuf.Bytes()); err != nil {
		return err
	}
	w.offset += int64(indexBuf.Len())

	// Bloom filter.
	bloomOffset := w.offset
	bloomBytes, err := w.filter.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(bloomBytes); err != nil {
		return err
	}
	w.offset += int64(len(bloomBytes))

	// Footer.
	var footer bytes.Buffer
	binary.Write(&footer, binary.LittleEndian, indexOffset)
	binary.Write(&footer, binary.LittleEndian, int64(indexBuf.Len()))
	binary.Write(&footer, binary.LittleEndian, bloomOffset)
	binary.Write(&footer, binary.LittleEndian, int64(len(bloomBytes)))
	binary.Write(&footer, binary.LittleEndian, w.count)
	binary.Write(&footer, binary.LittleEndian, uint32(len(w.minRow)))
	footer.Write(w.minRow)
	binary.Write(&footer, binary.LittleEndian, uint32(len(w.maxRow)))
	footer.Write(w.maxRow)

	payload := footer.Bytes()
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	var trailer [12]byte
	binary.LittleEndian.PutUint32(trailer[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(trailer[4:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[8:], storeFileMagic)
	if _, err := w.writer.Write(trailer[:]); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Abort closes and removes a partially written file.
func (w *StoreFileWriter) Abort() error {
	w.file.Close()
	return os.Remove(w.path)
}

// StoreFile is an open store file for reading.
type StoreFile struct {
	file      *os.File
	path      string
	index     []blockIndexEntry
	filter    *bloom.BloomFilter
	cellCount uint64
	minRow    []byte
	maxRow    []byte
}

// OpenStoreFile opens an existing store file and loads its index and
// bloom filter.
func OpenStoreFile(path string) (*StoreFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "open store file %s: %v", path, err)
	}
	sf := &StoreFile{file: file, path: path}
	if err := sf.loadFooter(); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "store file %s", path)
	}
	return sf, nil
}

func (s *StoreFile) loadFooter() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < 12 {
		return errors.Wrap(ErrCorrupted, "file too small")
	}

	var trailer [12]byte
	if _, err := s.file.ReadAt(trailer[:], size-12); err != nil {
		return errors.Wrap(ErrCorrupted, "read trailer")
	}
	payloadLen := binary.LittleEndian.Uint32(trailer[0:])
	payloadCRC := binary.LittleEndian.Uint32(trailer[4:])
	magic := binary.LittleEndian.Uint32(trailer[8:])
	if magic != storeFileMagic {
		return errors.Wrap(ErrCorrupted, "bad magic")
	}
	if int64(payloadLen) > size-12 {
		return errors.Wrap(ErrCorrupted, "bad footer length")
	}

	payload := make([]byte, payloadLen)
	if _, err := s.file.ReadAt(payload, size-12-int64(payloadLen)); err != nil {
		return errors.Wrap(ErrCorrupted, "read footer")
	}
	if crc32.ChecksumIEEE(payload) != payloadCRC {
		return errors.Wrap(ErrCorrupted, "footer checksum mismatch")
	}
	if len(payload) < 48 {
		return errors.Wrap(ErrCorrupted, "short footer")
	}

	indexOffset := int64(binary.LittleEndian.Uint64(payload[0:]))
	indexLen := int64(binary.LittleEndian.Uint64(payload[8:]))
	bloomOffset := int64(binary.LittleEndian.Uint64(payload[16:]))
	bloomLen := int64(binary.LittleEndian.Uint64(payload[24:]))
	s.cellCount = binary.LittleEndian.Uint64(payload[32:])

	offset := 40
	minLen := int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	if offset+minLen+4 > len(payload) {
		return errors.Wrap(ErrCorrupted, "bad footer keys")
	}
	s.minRow = append([]byte{}, payload[offset:offset+minLen]...)
	offset += minLen
	maxLen := int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	if offset+maxLen > len(payload) {
		return errors.Wrap(ErrCorrupted, "bad footer keys")
	}
	s.maxRow = append([]byte{}, payload[offset:offset+maxLen]...)

	// Block index.
	indexBytes := make([]byte, indexLen)
	if _, err := s.file.ReadAt(indexBytes, indexOffset); err != nil {
		return errors.Wrap(ErrCorrupted, "read block index")
	}
	if err := s.parseIndex(indexBytes); err != nil {
		return err
	}

	// Bloom filter.
	bloomBytes := make([]byte, bloomLen)
	if _, err := s.file.ReadAt(bloomBytes, bloomOffset); err != nil {
		return errors.Wrap(ErrCorrupted, "read bloom filter")
	}
	s.filter = &bloom.BloomFilter{}
	if err := s.filter.UnmarshalBinary(bloomBytes); err != nil {
		return errors.Wrap(ErrCorrupted, "decode bloom filter")
	}
	return nil
}

func (s *StoreFile) parseIndex(data []byte) error {
	if len(data) < 4 {
		return errors.Wrap(ErrCorrupted, "short block index")
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	offset := 4
	s.index = make([]blockIndexEntry, 0, n)
	for i := 0; i < n; i++ {
		if offset+4 > len(data) {
			return errors.Wrap(ErrCorrupted, "short block index")
		}
		keyLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+keyLen+8 > len(data) {
			return errors.Wrap(ErrCorrupted, "short block index")
		}
		firstRow := append([]byte{}, data[offset:offset+keyLen]...)
		offset += keyLen
		blockOffset := int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		s.index = append(s.index, blockIndexEntry{firstRow: firstRow, offset: blockOffset})
	}
	return nil
}

// MightContain is a cheap negative check: false means the row is
// definitely absent.
func (s *StoreFile) MightContain(row []byte) bool {
	if len(s.index) == 0 {
		return false
	}
	if bytes.Compare(row, s.minRow) < 0 || bytes.Compare(row, s.maxRow) > 0 {
		return false
	}
	return s.filter.Test(row)
}

// Get returns the newest version of (row, column) in this file,
// tombstones included. The second result is false when no version
// exists here.
func (s *StoreFile) Get(row, column []byte) (*Cell, bool, error) {
	if !s.MightContain(row) {
		return nil, false, nil
	}

	// A wide row can span several blocks, each of which then carries the
	// row as its firstRow. Start at the first such block, stepping back
	// one in case the row begins inside the preceding block.
	start := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].firstRow, row) >= 0
	})
	if start > 0 {
		start--
	}

	for i := start; i < len(s.index); i++ {
		if i > start && bytes.Compare(s.index[i].firstRow, row) > 0 {
			break
		}
		cells, err := s.readBlock(i)
		if err != nil {
			return nil, false, err
		}
		for _, c := range cells {
			rowCmp := bytes.Compare(c.Row, row)
			if rowCmp < 0 {
				continue
			}
			if rowCmp > 0 {
				return nil, false, nil
			}
			colCmp := bytes.Compare(c.Column, column)
			if colCmp < 0 {
				continue
			}
			if colCmp > 0 {
				return nil, false, nil
			}
			// First hit is the newest version: versions sort
			// timestamp-descending.
			return c, true, nil
		}
	}
	return nil, false, nil
}

func (s *StoreFile) readBlock(i int) ([]*Cell, error) {
	var hdr [8]byte
	if _, err := s.file.ReadAt(hdr[:], s.index[i].offset); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "read block header")
	}
	checksum := binary.LittleEndian.Uint32(hdr[0:])
	length := binary.LittleEndian.Uint32(hdr[4:])

	compressed := make([]byte, length)
	if _, err := s.file.ReadAt(compressed, s.index[i].offset+8); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "read block")
	}
	if crc32.ChecksumIEEE(compressed) != checksum {
		return nil, errors.Wrap(ErrCorrupted, "block checksum mismatch")
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, "decompress block")
	}
	return parseBlockCells(data)
}

// CellCount returns the number of cells in the file.
func (s *StoreFile) CellCount() uint64 { return s.cellCount }

// Path returns the file path.
func (s *StoreFile) Path() string { return s.path }

// Close releases the file handle.
func (s *StoreFile) Close() error { return s.file.Close() }

// NewIterator returns a streaming iterator over every cell in sort
// order.
func (s *StoreFile) NewIterator() *StoreFileIterator {
	return &StoreFileIterator{sf: s}
}

// StoreFileIterator walks a store file block by block.
type StoreFileIterator struct {
	sf       *StoreFile
	blockIdx int
	cells    []*Cell
	pos      int
	err      error
}

// Next advances to the next cell, returning false at the end or on
// error.
func (it *StoreFileIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for it.pos >= len(it.cells) {
		if it.blockIdx >= len(it.sf.index) {
			return false
		}
		cells, err := it.sf.readBlock(it.blockIdx)
		if err != nil {
			it.err = err
			return false
		}
		it.blockIdx++
		it.cells = cells
		it.pos = 0
	}
	return true
}

// Cell returns the current cell. Only valid after Next reports true.
func (it *StoreFileIterator) Cell() *Cell { return it.cells[it.pos] }

// Err returns the first error the iterator hit, if any.
func (it *StoreFileIterator) Err() error { return it.err }
