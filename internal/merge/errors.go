package merge

import "github.com/cockroachdb/errors"

var (
	// ErrCrossTableMerge is returned when the two partitions do not
	// belong to the same table.
	ErrCrossTableMerge = errors.New("partitions belong to different tables")

	// ErrPartitionBusy is returned when a source partition is still
	// marked as served; merging it offline would risk corruption.
	ErrPartitionBusy = errors.New("partition is currently served")

	// ErrMergeIO is returned when writing the merge output fails. The
	// temporary output is removed and both sources are left untouched.
	ErrMergeIO = errors.New("merge I/O failed")

	// ErrDisjointRanges is returned when the source ranges neither
	// overlap nor adjoin. Merging them produces a range covering keys
	// neither source owned, so it requires explicit operator
	// confirmation.
	ErrDisjointRanges = errors.New("partition ranges are neither overlapping nor adjacent")
)
