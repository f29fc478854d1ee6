// Package storage implements partition storage for a sorted key-value table.
//
// A partition owns all rows of one table within its declared key range.
// Mutations are logged to a write-ahead log and buffered in an in-memory
// memstore; a flush writes the buffer out as immutable sorted store files,
// one per column family.
//
// Layout and data flow:
//
//	┌────────────────────────────────────────────────────────────────┐
//	│                          Partition                             │
//	├────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Put → WAL → MemStore → (flush) → StoreFile       │
//	│  Read Path:   Get → MemStore → StoreFiles (newest → oldest)    │
//	├────────────────────────────────────────────────────────────────┤
//	│  On disk:     descriptor.json                                  │
//	│               wal/log                                          │
//	│               <family>/<id>.sf   (immutable, sorted)           │
//	└────────────────────────────────────────────────────────────────┘
//
// Everything is ordered by (row asc, column asc, timestamp desc). Store
// files keep multiple versions of a cell; version resolution happens on
// the read path, and physical reclamation is a compaction concern.
//
// Opening a partition replays its WAL, so a partition that was not
// cleanly closed still serves every acknowledged write. A cleanly closed
// partition has an empty memstore and an empty log, which is the
// precondition the merge engine checks before consuming store files
// directly.
package storage
