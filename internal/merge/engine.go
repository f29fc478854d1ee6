// Package merge implements the offline partition merge: the k-way
// streaming merge engine and the driver that walks a merge from catalog
// resolution through commit and retirement.
package merge

import (
	"container/heap"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mosaicdb/mosaic/internal/metrics"
	"github.com/mosaicdb/mosaic/internal/storage"
	"github.com/mosaicdb/mosaic/internal/table"
)

const tmpDirPrefix = "_tmp_"

// Engine combines two partitions of the same table into a new one whose
// range is the union of the sources' ranges. It touches only storage:
// the catalog update and source retirement are the driver's job.
type Engine struct {
	Root    string
	Config  storage.Config
	Metrics *metrics.Metrics
	Log     *logrus.Logger
}

// Merge performs the sorted merge of a and b and returns the new, fully
// flushed partition, opened for reading.
//
// The output is written under a temporary directory and renamed into
// place only on full success; any failure removes the temporary
// directory and leaves both sources untouched.
func (e *Engine) Merge(a, b *storage.Partition) (*storage.Partition, error) {
	da, db := a.Descriptor(), b.Descriptor()
	if da.Table != db.Table {
		return nil, errors.Wrapf(ErrCrossTableMerge, "%s vs %s", da.Table, db.Table)
	}
	if !a.Flushed() {
		return nil, errors.Wrapf(storage.ErrUnflushed, "partition %s", da.EncodedName())
	}
	if !b.Flushed() {
		return nil, errors.Wrapf(storage.ErrUnflushed, "partition %s", db.EncodedName())
	}

	merged := table.NewMergedDescriptor(da, db)
	families := unionFamilies(a.Families(), b.Families())

	if e.Log != nil {
		e.Log.WithFields(logrus.Fields{
			"table":  da.Table,
			"left":   da.Range.String(),
			"right":  db.Range.String(),
			"merged": merged.Range.String(),
		}).Debug("merging partitions")
	}

	tmpDir := filepath.Join(e.Root, da.Table, tmpDirPrefix+uuid.NewString())
	schema := table.TableDescriptor{Name: da.Table, Families: families}
	out, err := storage.CreateAt(merged, schema, tmpDir, e.Config)
	if err != nil {
		return nil, errors.Wrapf(ErrMergeIO, "create merge output: %v", err)
	}

	if err := e.writeFamilies(out, a, b, families); err != nil {
		out.Close()
		os.RemoveAll(tmpDir)
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, errors.Wrapf(ErrMergeIO, "close merge output: %v", err)
	}

	// The merged name is deterministic, so a prior interrupted run may
	// have published an output here already. It is fully re-derivable
	// from the sources; replace it.
	finalDir := filepath.Join(e.Root, da.Table, merged.EncodedName())
	if err := os.RemoveAll(finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, errors.Wrapf(ErrMergeIO, "clear stale merge output: %v", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, errors.Wrapf(ErrMergeIO, "publish merge output: %v", err)
	}

	result, err := storage.Open(merged, e.Root, e.Config)
	if err != nil {
		return nil, errors.Wrapf(ErrMergeIO, "reopen merge output: %v", err)
	}
	return result, nil
}

// writeFamilies streams each family's cells, in sort order, into one
// new store file inside the output partition. No deduplication happens
// here: identical cells from both sources are all retained and left for
// a later compaction pass.
func (e *Engine) writeFamilies(out *storage.Partition, a, b *storage.Partition, families []string) error {
	for _, fam := range families {
		var its []*storage.StoreFileIterator
		for _, p := range []*storage.Partition{a, b} {
			for _, sf := range p.StoreFiles(fam) {
				its = append(its, sf.NewIterator())
				if e.Metrics != nil {
					e.Metrics.RecordStoreFile()
				}
			}
		}

		h := make(cellHeap, 0, len(its))
		for _, it := range its {
			if it.Next() {
				h = append(h, it)
			} else if err := it.Err(); err != nil {
				return errors.Wrapf(ErrMergeIO, "family %s: %v", fam, err)
			}
		}
		if len(h) == 0 {
			continue
		}
		heap.Init(&h)

		path := filepath.Join(out.Dir(), fam, uuid.NewString()+".sf")
		w, err := storage.NewStoreFileWriter(path, e.Config)
		if err != nil {
			return errors.Wrapf(ErrMergeIO, "family %s: %v", fam, err)
		}

		for h.Len() > 0 {
			it := h[0]
			c := it.Cell()
			if err := w.Append(c); err != nil {
				w.Abort()
				return errors.Wrapf(ErrMergeIO, "family %s: %v", fam, err)
			}
			if e.Metrics != nil {
				e.Metrics.RecordCell(c.Size())
			}
			if it.Next() {
				heap.Fix(&h, 0)
			} else {
				if err := it.Err(); err != nil {
					w.Abort()
					return errors.Wrapf(ErrMergeIO, "family %s: %v", fam, err)
				}
				heap.Pop(&h)
			}
		}

		if err := w.Finish(); err != nil {
			w.Abort()
			return errors.Wrapf(ErrMergeIO, "family %s: %v", fam, err)
		}
	}
	return nil
}

func unionFamilies(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, fam := range append(append([]string{}, a...), b...) {
		if !seen[fam] {
			seen[fam] = true
			out = append(out, fam)
		}
	}
	return out
}

// cellHeap is a min-heap of store file iterators ordered by their
// current cells, driving the k-way merge.
type cellHeap []*storage.StoreFileIterator

func (h cellHeap) Len() int { return len(h) }

func (h cellHeap) Less(i, j int) bool {
	return storage.CompareCells(h[i].Cell(), h[j].Cell()) < 0
}

func (h cellHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cellHeap) Push(x any) { *h = append(*h, x.(*storage.StoreFileIterator)) }

func (h *cellHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
