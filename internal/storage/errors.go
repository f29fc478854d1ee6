package storage

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound is returned when a row/column has no live value.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when on-disk state cannot be trusted:
	// unreadable files, checksum mismatches, bad magic, or log records
	// that replay out of order.
	ErrCorrupted = errors.New("storage corrupted")

	// ErrUnflushed is returned when an operation requires a fully
	// flushed partition but buffered or logged mutations remain.
	ErrUnflushed = errors.New("partition has unflushed state")

	// ErrOutOfRange is returned when a mutation's row falls outside the
	// partition's declared key range.
	ErrOutOfRange = errors.New("row outside partition range")

	// ErrClosed is returned when operating on a closed partition.
	ErrClosed = errors.New("partition is closed")
)
