// Package table defines the value types shared across the merge tool:
// key ranges, partition descriptors, and table descriptors.
package table

import (
	"bytes"
	"fmt"
)

// KeyRange is a half-open interval [Start, End) over row keys.
// An empty (or nil) Start means there is no lower bound; an empty End
// means there is no upper bound. A fully unbounded range covers every key.
type KeyRange struct {
	Start []byte `json:"start"`
	End   []byte `json:"end"`
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if len(r.Start) > 0 && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if len(r.End) > 0 && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Valid reports whether the range is well-formed: when both bounds are
// set, Start must sort strictly before End.
func (r KeyRange) Valid() bool {
	if len(r.Start) == 0 || len(r.End) == 0 {
		return true
	}
	return bytes.Compare(r.Start, r.End) < 0
}

// Unbounded reports whether the range has neither a lower nor an upper bound.
func (r KeyRange) Unbounded() bool {
	return len(r.Start) == 0 && len(r.End) == 0
}

// Union returns the bounding box of a and b: the lowest start and the
// highest end, where an empty bound on either side wins. The result may
// cover keys owned by neither input when the ranges are disjoint; callers
// decide whether that is acceptable.
func Union(a, b KeyRange) KeyRange {
	var u KeyRange
	if len(a.Start) > 0 && len(b.Start) > 0 {
		u.Start = a.Start
		if bytes.Compare(b.Start, a.Start) < 0 {
			u.Start = b.Start
		}
	}
	if len(a.End) > 0 && len(b.End) > 0 {
		u.End = a.End
		if bytes.Compare(b.End, a.End) > 0 {
			u.End = b.End
		}
	}
	return u
}

// Overlaps reports whether a and b share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	// r starts before o ends, and o starts before r ends.
	startsBefore := len(r.Start) == 0 || len(o.End) == 0 || bytes.Compare(r.Start, o.End) < 0
	endsAfter := len(o.Start) == 0 || len(r.End) == 0 || bytes.Compare(o.Start, r.End) < 0
	return startsBefore && endsAfter
}

// Adjacent reports whether a and b abut exactly: one range's end equals
// the other's start, with no gap and no overlap.
func (r KeyRange) Adjacent(o KeyRange) bool {
	if len(r.End) > 0 && len(o.Start) > 0 && bytes.Equal(r.End, o.Start) {
		return true
	}
	if len(o.End) > 0 && len(r.Start) > 0 && bytes.Equal(o.End, r.Start) {
		return true
	}
	return false
}

// Compare orders ranges by start key, with an empty start sorting first.
func Compare(a, b KeyRange) int {
	switch {
	case len(a.Start) == 0 && len(b.Start) == 0:
		return 0
	case len(a.Start) == 0:
		return -1
	case len(b.Start) == 0:
		return 1
	}
	return bytes.Compare(a.Start, b.Start)
}

func (r KeyRange) String() string {
	start, end := "-inf", "+inf"
	if len(r.Start) > 0 {
		start = fmt.Sprintf("%q", r.Start)
	}
	if len(r.End) > 0 {
		end = fmt.Sprintf("%q", r.End)
	}
	return fmt.Sprintf("[%s,%s)", start, end)
}
