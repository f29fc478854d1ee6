// Package catalog implements the partition catalog: the source of truth
// for a table's layout, mapping partition identity to descriptor and
// serving location.
//
// The catalog is not a separate database. It is itself an ordinary
// partition of a hidden system table, bootstrapped with a fully
// unbounded range, so every durability and recovery property of
// partition storage applies to it unchanged.
package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/storage"
	"github.com/mosaicdb/mosaic/internal/table"
)

const (
	// SystemTableName is the hidden table holding the catalog. The
	// leading dash keeps it out of any user table namespace.
	SystemTableName = "-CATALOG-"

	// Family is the catalog's single column family.
	Family = "info"

	// descriptor and serving-location columns of a catalog row.
	ColumnDescriptor = "info:descriptor"
	ColumnLocation   = "info:location"

	// catalogID pins the bootstrap descriptor so the catalog partition
	// reopens at the same directory across runs.
	catalogID = "00000000-0000-0000-0000-000000000000"
)

// Entry is one live catalog row: a partition descriptor plus the
// address currently serving it (empty when quiesced).
type Entry struct {
	Descriptor table.PartitionDescriptor
	Location   string
}

// Catalog provides row-level access to the catalog partition. Its
// operations are individually durable; there is no cross-row
// transaction, which is why Replace is written to be re-applied safely.
type Catalog struct {
	part *storage.Partition
}

func bootstrapDescriptor() table.PartitionDescriptor {
	return table.PartitionDescriptor{
		Table: SystemTableName,
		Range: table.KeyRange{},
		ID:    catalogID,
	}
}

// Open opens the catalog partition under root, bootstrapping it on
// first use.
func Open(root string, cfg storage.Config) (*Catalog, error) {
	desc := bootstrapDescriptor()
	dir := filepath.Join(root, desc.Table, desc.EncodedName())

	var part *storage.Partition
	var err error
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		schema := table.TableDescriptor{Name: SystemTableName, Families: []string{Family}}
		part, err = storage.Create(desc, schema, root, cfg)
	} else {
		part, err = storage.Open(desc, root, cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open catalog partition")
	}
	return &Catalog{part: part}, nil
}

// Resolve returns the catalog entry for the named partition.
func (c *Catalog) Resolve(name string) (Entry, error) {
	value, err := c.part.Get([]byte(name), []byte(ColumnDescriptor))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, errors.Wrapf(ErrUnknownPartition, "%s", name)
		}
		return Entry{}, errors.Wrap(err, "resolve partition")
	}
	var desc table.PartitionDescriptor
	if err := json.Unmarshal(value, &desc); err != nil {
		return Entry{}, errors.Wrapf(storage.ErrCorrupted, "decode descriptor for %s: %v", name, err)
	}

	entry := Entry{Descriptor: desc}
	loc, err := c.part.Get([]byte(name), []byte(ColumnLocation))
	if err == nil {
		entry.Location = string(loc)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Entry{}, errors.Wrap(err, "resolve partition location")
	}
	return entry, nil
}

// Add inserts a catalog row for the descriptor. An empty location marks
// the partition as not currently served.
func (c *Catalog) Add(desc table.PartitionDescriptor, location string) error {
	value, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	name := []byte(desc.EncodedName())
	if err := c.part.Put(&storage.Cell{Row: name, Column: []byte(ColumnDescriptor), Value: value}); err != nil {
		return errors.Wrapf(ErrCatalogWrite, "add %s: %v", desc.EncodedName(), err)
	}
	if location != "" {
		if err := c.part.Put(&storage.Cell{Row: name, Column: []byte(ColumnLocation), Value: []byte(location)}); err != nil {
			return errors.Wrapf(ErrCatalogWrite, "add %s location: %v", desc.EncodedName(), err)
		}
	}
	return nil
}

// Remove tombstones the named partition's catalog row. Removing an
// absent row is not an error; Replace relies on that for retries.
func (c *Catalog) Remove(name string) error {
	row := []byte(name)
	if err := c.part.Delete(row, []byte(ColumnDescriptor)); err != nil {
		return errors.Wrapf(ErrCatalogWrite, "remove %s: %v", name, err)
	}
	if err := c.part.Delete(row, []byte(ColumnLocation)); err != nil {
		return errors.Wrapf(ErrCatalogWrite, "remove %s location: %v", name, err)
	}
	return nil
}

// Replace commits a merge to the catalog: the merged partition's row is
// written before the source rows are deleted, so at no instant does the
// catalog hold zero entries covering the merged range. The operation is
// not atomic across rows; instead it is safe to re-apply from any step:
// an already-present new row is accepted as done, and deleting
// already-absent old rows succeeds trivially.
func (c *Catalog) Replace(oldA, oldB string, merged table.PartitionDescriptor) error {
	name := merged.EncodedName()
	switch _, err := c.Resolve(name); {
	case err == nil:
		// Re-applied after a partial commit; the add already happened.
	case errors.Is(err, ErrUnknownPartition):
		if err := c.Add(merged, ""); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrCatalogWrite, "probe %s: %v", name, err)
	}

	if err := c.Remove(oldA); err != nil {
		return err
	}
	if err := c.Remove(oldB); err != nil {
		return err
	}

	// The replacement row must be durable before anyone retires the
	// sources.
	if err := c.part.Flush(); err != nil {
		return errors.Wrapf(ErrCatalogWrite, "flush: %v", err)
	}
	return nil
}

// Entries returns the live catalog entries for one table, in row order.
func (c *Catalog) Entries(tableName string) ([]Entry, error) {
	prefix := tableName + ","
	byName := make(map[string]*Entry)
	var order []string

	err := c.part.Scan(func(cell *storage.Cell) bool {
		name := string(cell.Row)
		if !strings.HasPrefix(name, prefix) {
			return true
		}
		e, ok := byName[name]
		if !ok {
			e = &Entry{}
			byName[name] = e
			order = append(order, name)
		}
		switch string(cell.Column) {
		case ColumnDescriptor:
			json.Unmarshal(cell.Value, &e.Descriptor)
		case ColumnLocation:
			e.Location = string(cell.Value)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(order))
	for _, name := range order {
		e := byName[name]
		if e.Descriptor.Table == "" {
			// Location cell without a descriptor: a half-removed row.
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Flush makes every pending catalog mutation durable in store files.
func (c *Catalog) Flush() error {
	return c.part.Flush()
}

// Close flushes and closes the catalog partition.
func (c *Catalog) Close() error {
	return c.part.Close()
}
