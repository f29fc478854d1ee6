package storage

import (
	"bytes"
	"math"
	"sync"

	"github.com/google/btree"
)

const memstoreDegree = 16

// MemStore is the in-memory mutable buffer of a partition: every logged
// mutation lands here until a flush writes the buffer out as store
// files. It keeps cells in (row asc, column asc, timestamp desc) order
// so flushes can stream them straight into a store file writer.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Cell]
	size int64
}

// NewMemStore creates an empty memstore.
func NewMemStore() *MemStore {
	less := func(a, b *Cell) bool { return CompareCells(a, b) < 0 }
	return &MemStore{tree: btree.NewG[*Cell](memstoreDegree, less)}
}

// Apply inserts a cell. A cell with an identical (row, column,
// timestamp) replaces the previous one; distinct timestamps coexist as
// versions.
func (m *MemStore) Apply(c *Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.tree.ReplaceOrInsert(c); ok {
		m.size -= int64(prev.Size())
	}
	m.size += int64(c.Size())
}

// Get returns the newest version of (row, column), tombstones included.
// The second result is false when the memstore holds no version at all.
func (m *MemStore) Get(row, column []byte) (*Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Versions sort timestamp-descending, so the first cell at or after
	// the maximal-timestamp pivot is the newest version if the row and
	// column match.
	pivot := &Cell{Row: row, Column: column, Timestamp: math.MaxUint64}
	var found *Cell
	m.tree.AscendGreaterOrEqual(pivot, func(c *Cell) bool {
		if bytes.Equal(c.Row, row) && bytes.Equal(c.Column, column) {
			found = c
		}
		return false
	})
	return found, found != nil
}

// Ascend visits every cell in sort order until fn returns false.
func (m *MemStore) Ascend(fn func(*Cell) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(fn)
}

// Cells returns every buffered cell in sort order.
func (m *MemStore) Cells() []*Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cells := make([]*Cell, 0, m.tree.Len())
	m.tree.Ascend(func(c *Cell) bool {
		cells = append(cells, c)
		return true
	})
	return cells
}

// Len returns the number of buffered cells, tombstones included.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Size returns the approximate memory usage in bytes.
func (m *MemStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Clear drops every buffered cell (after a successful flush).
func (m *MemStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	m.size = 0
}
