package merge

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/mosaicdb/mosaic/internal/catalog"
	"github.com/mosaicdb/mosaic/internal/metrics"
	"github.com/mosaicdb/mosaic/internal/storage"
	"github.com/mosaicdb/mosaic/internal/table"
)

// State identifies a stage of the merge driver.
type State int

const (
	StateResolving State = iota
	StateValidating
	StateOpening
	StateMerging
	StateCommitting
	StateRetiring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateValidating:
		return "validating"
	case StateOpening:
		return "opening"
	case StateMerging:
		return "merging"
	case StateCommitting:
		return "committing"
	case StateRetiring:
		return "retiring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options tune driver behavior.
type Options struct {
	// AllowDisjoint permits merging partitions whose ranges neither
	// overlap nor adjoin. The result's declared range then covers keys
	// neither source owned; an operator must opt in.
	AllowDisjoint bool
}

// Driver orchestrates one merge: resolve both descriptors from the
// catalog, validate, open the sources, run the engine, commit the
// catalog replacement, and retire the sources.
//
// Any failure before the committing stage leaves the catalog and both
// sources untouched, so the whole operation is safe to re-invoke with
// identical arguments. A failure during or after committing is resolved
// by re-invoking: the catalog replacement re-applies idempotently and
// retirement of an already-removed partition is a no-op.
type Driver struct {
	Root    string
	Config  storage.Config
	Catalog *catalog.Catalog
	Options Options
	Metrics *metrics.Metrics
	Log     *logrus.Logger
}

// NewDriver returns a driver writing under root and committing through
// cat.
func NewDriver(root string, cat *catalog.Catalog, cfg storage.Config, opts Options, log *logrus.Logger, m *metrics.Metrics) *Driver {
	if log == nil {
		log = logrus.New()
	}
	return &Driver{
		Root:    root,
		Config:  cfg,
		Catalog: cat,
		Options: opts,
		Metrics: m,
		Log:     log,
	}
}

// Run merges the two named partitions of the named table and returns
// the merged partition's descriptor, enabling chained merges.
func (d *Driver) Run(tableName, name1, name2 string) (table.PartitionDescriptor, error) {
	log := d.Log.WithFields(logrus.Fields{
		"table": tableName,
		"left":  name1,
		"right": name2,
	})

	var (
		state   State
		started = time.Now()
	)
	enter := func(next State) {
		if d.Metrics != nil && next > StateResolving {
			d.Metrics.RecordStage(state.String(), time.Since(started))
		}
		state = next
		started = time.Now()
		log.WithField("state", state.String()).Info("merge state")
	}
	fail := func(err error) (table.PartitionDescriptor, error) {
		if d.Metrics != nil {
			d.Metrics.RecordError()
		}
		log.WithField("state", state.String()).WithError(err).Error("merge failed")
		return table.PartitionDescriptor{}, errors.Wrapf(err, "merge %s + %s (state %s)", name1, name2, state)
	}

	enter(StateResolving)
	e1, err1 := d.Catalog.Resolve(name1)
	e2, err2 := d.Catalog.Resolve(name2)
	if errors.Is(err1, catalog.ErrUnknownPartition) && errors.Is(err2, catalog.ErrUnknownPartition) {
		// Both sources unknown can mean a prior run already committed
		// this very merge and crashed before retiring the sources. The
		// merged name is recomputable from the source names; if that
		// row is live, only retirement remains.
		if mergedName, nameErr := table.MergedEncodedName(name1, name2); nameErr == nil {
			if entry, resErr := d.Catalog.Resolve(mergedName); resErr == nil && entry.Descriptor.Table == tableName {
				enter(StateRetiring)
				for _, name := range []string{name1, name2} {
					if err := os.RemoveAll(filepath.Join(d.Root, tableName, name)); err != nil {
						return fail(err)
					}
				}
				enter(StateDone)
				log.WithField("merged", mergedName).Info("merge was already committed; completed retirement")
				return entry.Descriptor, nil
			}
		}
	}
	if err1 != nil {
		return fail(err1)
	}
	if err2 != nil {
		return fail(err2)
	}

	enter(StateValidating)
	if err := d.validate(tableName, e1, e2); err != nil {
		return fail(err)
	}

	enter(StateOpening)
	p1, err := storage.Open(e1.Descriptor, d.Root, d.Config)
	if err != nil {
		return fail(err)
	}
	defer p1.Close()
	p2, err := storage.Open(e2.Descriptor, d.Root, d.Config)
	if err != nil {
		return fail(err)
	}
	defer p2.Close()

	enter(StateMerging)
	engine := &Engine{Root: d.Root, Config: d.Config, Metrics: d.Metrics, Log: d.Log}
	mergedPart, err := engine.Merge(p1, p2)
	if err != nil {
		return fail(err)
	}
	merged := mergedPart.Descriptor()
	if err := mergedPart.Close(); err != nil {
		return fail(errors.Wrapf(ErrMergeIO, "close merged partition: %v", err))
	}

	enter(StateCommitting)
	if err := d.Catalog.Replace(name1, name2, merged); err != nil {
		return fail(err)
	}

	enter(StateRetiring)
	if err := p1.Retire(); err != nil {
		return fail(err)
	}
	if err := p2.Retire(); err != nil {
		return fail(err)
	}

	enter(StateDone)
	if d.Metrics != nil {
		d.Metrics.MergeCompleted()
	}
	log.WithField("merged", merged.EncodedName()).Info("merge complete")
	return merged, nil
}

func (d *Driver) validate(tableName string, e1, e2 catalog.Entry) error {
	d1, d2 := e1.Descriptor, e2.Descriptor
	if d1.Table != tableName {
		return errors.Wrapf(ErrCrossTableMerge, "%s belongs to table %s, not %s", d1.EncodedName(), d1.Table, tableName)
	}
	if d2.Table != tableName {
		return errors.Wrapf(ErrCrossTableMerge, "%s belongs to table %s, not %s", d2.EncodedName(), d2.Table, tableName)
	}
	if e1.Location != "" {
		return errors.Wrapf(ErrPartitionBusy, "%s is served at %s", d1.EncodedName(), e1.Location)
	}
	if e2.Location != "" {
		return errors.Wrapf(ErrPartitionBusy, "%s is served at %s", d2.EncodedName(), e2.Location)
	}
	if !d1.Range.Overlaps(d2.Range) && !d1.Range.Adjacent(d2.Range) && !d.Options.AllowDisjoint {
		return errors.Wrapf(ErrDisjointRanges, "%s and %s", d1.Range, d2.Range)
	}
	return nil
}
