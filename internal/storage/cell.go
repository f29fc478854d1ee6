package storage

import (
	"bytes"
	"strings"
)

// Cell is one versioned datum of a row: (row, column, timestamp) -> value.
// Column is "family:qualifier". A Deleted cell is a tombstone that masks
// older versions of the same row/column on the read path.
type Cell struct {
	Row       []byte
	Column    []byte
	Value     []byte
	Timestamp uint64
	Deleted   bool
}

// Family returns the column family portion of the cell's column.
func (c *Cell) Family() string {
	col := string(c.Column)
	if i := strings.IndexByte(col, ':'); i >= 0 {
		return col[:i]
	}
	return col
}

// Size returns the approximate memory footprint of the cell in bytes.
func (c *Cell) Size() int {
	return len(c.Row) + len(c.Column) + len(c.Value) + 9 // timestamp + tombstone flag
}

// CompareCells orders cells by (row asc, column asc, timestamp desc), the
// sort order of the memstore, every store file, and the merge output.
// Cells that compare equal are distinct versions that coexist until
// compaction.
func CompareCells(a, b *Cell) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Column, b.Column); c != 0 {
		return c
	}
	// Newer versions sort first.
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	}
	return 0
}
