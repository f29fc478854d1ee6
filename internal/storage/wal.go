package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// WAL (Write-Ahead Log) provides durability for memstore writes. Every
// mutation is appended here before being applied to the memstore, and
// replayed on partition open to recover unflushed state.
//
// Record framing:
//   - CRC32 checksum of the payload (4 bytes)
//   - payload length (4 bytes)
//   - payload:
//     sequence (8 bytes)   - strictly increasing per log
//     timestamp (8 bytes)
//     row length (4 bytes)
//     column length (4 bytes)
//     value length (4 bytes, ^uint32(0) for tombstone)
//     row, column, value (variable)
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	path     string
	mu       sync.Mutex
	size     int64
	nextSeq  uint64
	syncMode SyncMode
}

// SyncMode determines when WAL writes are synced to disk.
type SyncMode int

const (
	// SyncNone - no explicit sync (fastest, least durable)
	SyncNone SyncMode = iota
	// SyncBatch - sync on flush boundaries
	SyncBatch
	// SyncAlways - fsync after every append (slowest, most durable)
	SyncAlways
)

const tombstoneLen = ^uint32(0)

// OpenWAL opens or creates a WAL file and positions it for appending.
// nextSeq is the sequence number the next record will carry; callers
// that replayed existing records pass the last recovered sequence plus
// one, and a fresh log starts at 1.
func OpenWAL(path string, syncMode SyncMode, nextSeq uint64) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		path:     path,
		size:     info.Size(),
		nextSeq:  nextSeq,
		syncMode: syncMode,
	}, nil
}

// Append logs a cell mutation.
func (w *WAL) Append(c *Cell) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := encodeWALRecord(w.nextSeq, c)
	w.nextSeq++

	checksum := crc32.ChecksumIEEE(payload)
	if err := binary.Write(w.writer, binary.LittleEndian, checksum); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	w.size += int64(8 + len(payload))

	if w.syncMode == SyncAlways {
		return w.sync()
	}
	return nil
}

func encodeWALRecord(seq uint64, c *Cell) []byte {
	valueLen := uint32(len(c.Value))
	if c.Deleted {
		valueLen = tombstoneLen
	}

	size := 8 + 8 + 4 + 4 + 4 + len(c.Row) + len(c.Column)
	if !c.Deleted {
		size += len(c.Value)
	}

	buf := make([]byte, size)
	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], seq)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], c.Timestamp)
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(c.Row)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(c.Column)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], valueLen)
	offset += 4
	copy(buf[offset:], c.Row)
	offset += len(c.Row)
	copy(buf[offset:], c.Column)
	offset += len(c.Column)
	if !c.Deleted {
		copy(buf[offset:], c.Value)
	}
	return buf
}

func decodeWALRecord(payload []byte) (uint64, *Cell, error) {
	if len(payload) < 28 {
		return 0, nil, errors.Wrap(ErrCorrupted, "short WAL record")
	}
	seq := binary.LittleEndian.Uint64(payload[0:])
	ts := binary.LittleEndian.Uint64(payload[8:])
	rowLen := binary.LittleEndian.Uint32(payload[16:])
	colLen := binary.LittleEndian.Uint32(payload[20:])
	valLen := binary.LittleEndian.Uint32(payload[24:])

	deleted := valLen == tombstoneLen
	want := 28 + int(rowLen) + int(colLen)
	if !deleted {
		want += int(valLen)
	}
	if len(payload) != want {
		return 0, nil, errors.Wrap(ErrCorrupted, "WAL record length mismatch")
	}

	offset := 28
	c := &Cell{Timestamp: ts, Deleted: deleted}
	c.Row = append([]byte{}, payload[offset:offset+int(rowLen)]...)
	offset += int(rowLen)
	c.Column = append([]byte{}, payload[offset:offset+int(colLen)]...)
	offset += int(colLen)
	if !deleted {
		c.Value = append([]byte{}, payload[offset:offset+int(valLen)]...)
	}
	return seq, c, nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reset truncates the log after a successful flush: every logged
// mutation is now durable in a store file, so the records are safe to
// discard.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.size = 0
	w.nextSeq = 1
	return nil
}

// Delete removes the log file entirely.
func (w *WAL) Delete() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// ReplayWAL reads every record from the log in append order. A missing
// file is an empty log. Checksum mismatches, malformed records, and
// out-of-order sequence numbers are corruption. Returns the recovered
// cells and the highest sequence number seen.
func ReplayWAL(path string) ([]*Cell, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, "open WAL")
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var cells []*Cell
	var lastSeq uint64

	for {
		var checksum uint32
		if err := binary.Read(reader, binary.LittleEndian, &checksum); err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, errors.Wrap(ErrCorrupted, "truncated WAL frame")
		}
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			return nil, 0, errors.Wrap(ErrCorrupted, "truncated WAL frame")
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, 0, errors.Wrap(ErrCorrupted, "truncated WAL record")
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			return nil, 0, errors.Wrap(ErrCorrupted, "WAL checksum mismatch")
		}
		seq, c, err := decodeWALRecord(payload)
		if err != nil {
			return nil, 0, err
		}
		if seq <= lastSeq {
			return nil, 0, errors.Wrapf(ErrCorrupted, "WAL records out of order: %d after %d", seq, lastSeq)
		}
		lastSeq = seq
		cells = append(cells, c)
	}

	return cells, lastSeq, nil
}
