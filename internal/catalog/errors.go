package catalog

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownPartition is returned when a partition name has no live
	// catalog row.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrCatalogWrite is returned when the catalog partition itself
	// cannot be written. Fatal to a merge: there is no safe unattended
	// retry without an operator confirming which entries are stale.
	ErrCatalogWrite = errors.New("catalog write failed")
)
