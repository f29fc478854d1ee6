package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mosaicdb/mosaic/internal/table"
)

const (
	descriptorFile = "descriptor.json"
	walDirName     = "wal"
	walFileName    = "log"
	storeFileExt   = ".sf"
)

// Config configures partition storage behavior. Values are passed in
// explicitly; there is no ambient process-wide storage configuration.
type Config struct {
	// BlockSize is the uncompressed size threshold of store file blocks.
	BlockSize int
	// BloomFPR is the store file bloom filter false positive rate.
	BloomFPR float64
	// CompactionThreshold is the store file count per family above which
	// a family is considered due for compaction (advisory; reported, not
	// acted on, by this tool).
	CompactionThreshold int
	// WALSyncMode determines when the write-ahead log is synced.
	WALSyncMode SyncMode
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		BlockSize:           4 * 1024,
		BloomFPR:            0.01,
		CompactionThreshold: 3,
		WALSyncMode:         SyncBatch,
	}
}

// sidecar is the descriptor.json payload: the partition's identity plus
// the family layout needed to reopen it without the table schema.
type sidecar struct {
	Descriptor table.PartitionDescriptor `json:"descriptor"`
	Families   []string                  `json:"families"`
}

// Partition is one on-disk storage unit: all rows of one table inside
// the declared key range, backed by per-family store files, an
// in-memory memstore, and a write-ahead log.
type Partition struct {
	desc     table.PartitionDescriptor
	families []string
	dir      string
	cfg      Config

	mem   *MemStore
	wal   *WAL
	files map[string][]*StoreFile // per family, newest first

	closed bool
}

// Create allocates an empty partition directory under root for the
// given descriptor, laid out per the table schema's family list.
func Create(desc table.PartitionDescriptor, schema table.TableDescriptor, root string, cfg Config) (*Partition, error) {
	dir := filepath.Join(root, desc.Table, desc.EncodedName())
	return CreateAt(desc, schema, dir, cfg)
}

// CreateAt is Create with an explicit directory, used by the merge
// engine to build the output partition in a temporary location before
// atomically renaming it into place.
func CreateAt(desc table.PartitionDescriptor, schema table.TableDescriptor, dir string, cfg Config) (*Partition, error) {
	if !desc.Range.Valid() {
		return nil, errors.Newf("invalid key range %s", desc.Range)
	}
	if schema.Name != desc.Table {
		return nil, errors.Newf("schema %s does not match partition table %s", schema.Name, desc.Table)
	}
	families := schema.Families
	if err := os.MkdirAll(filepath.Join(dir, walDirName), 0755); err != nil {
		return nil, err
	}
	for _, fam := range families {
		if err := os.MkdirAll(filepath.Join(dir, fam), 0755); err != nil {
			return nil, err
		}
	}

	sc := sidecar{Descriptor: desc, Families: families}
	b, err := json.Marshal(sc)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, descriptorFile), b, 0644); err != nil {
		return nil, err
	}

	wal, err := OpenWAL(filepath.Join(dir, walDirName, walFileName), cfg.WALSyncMode, 1)
	if err != nil {
		return nil, err
	}

	return &Partition{
		desc:     desc,
		families: families,
		dir:      dir,
		cfg:      cfg,
		mem:      NewMemStore(),
		wal:      wal,
		files:    make(map[string][]*StoreFile),
	}, nil
}

// Open opens an existing partition: loads the descriptor sidecar, opens
// every store file, and replays the write-ahead log into the memstore.
func Open(desc table.PartitionDescriptor, root string, cfg Config) (*Partition, error) {
	dir := filepath.Join(root, desc.Table, desc.EncodedName())

	b, err := os.ReadFile(filepath.Join(dir, descriptorFile))
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "read descriptor sidecar: %v", err)
	}
	var sc sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "decode descriptor sidecar: %v", err)
	}
	if !sc.Descriptor.Equal(desc) {
		return nil, errors.Wrapf(ErrCorrupted, "descriptor mismatch: directory holds %s", sc.Descriptor)
	}

	p := &Partition{
		desc:     desc,
		families: sc.Families,
		dir:      dir,
		cfg:      cfg,
		mem:      NewMemStore(),
		files:    make(map[string][]*StoreFile),
	}

	for _, fam := range sc.Families {
		if err := p.openFamily(fam); err != nil {
			p.closeFiles()
			return nil, err
		}
	}

	// Replay unflushed mutations, then continue the log where it ended.
	walPath := filepath.Join(dir, walDirName, walFileName)
	cells, lastSeq, err := ReplayWAL(walPath)
	if err != nil {
		p.closeFiles()
		return nil, err
	}
	for _, c := range cells {
		p.mem.Apply(c)
	}
	wal, err := OpenWAL(walPath, cfg.WALSyncMode, lastSeq+1)
	if err != nil {
		p.closeFiles()
		return nil, err
	}
	p.wal = wal

	return p, nil
}

func (p *Partition) openFamily(fam string) error {
	pattern := filepath.Join(p.dir, fam, "*"+storeFileExt)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(paths)

	var files []*StoreFile
	for _, path := range paths {
		sf, err := OpenStoreFile(path)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return err
		}
		files = append(files, sf)
	}
	// Newest first on the read path. File names sort by creation order
	// (time-prefixed), so reverse the lexical order.
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	p.files[fam] = files
	return nil
}

// Descriptor returns the partition's descriptor.
func (p *Partition) Descriptor() table.PartitionDescriptor { return p.desc }

// Families returns the partition's column families.
func (p *Partition) Families() []string { return p.families }

// Dir returns the partition's storage directory.
func (p *Partition) Dir() string { return p.dir }

// StoreFiles returns the family's store files, newest first.
func (p *Partition) StoreFiles(fam string) []*StoreFile { return p.files[fam] }

// Put logs and buffers a cell mutation. The row must fall inside the
// partition's declared range. A zero timestamp is assigned the current
// time.
func (p *Partition) Put(c *Cell) error {
	if p.closed {
		return ErrClosed
	}
	if !p.desc.Range.Contains(c.Row) {
		return errors.Wrapf(ErrOutOfRange, "row %q not in %s", c.Row, p.desc.Range)
	}
	if c.Timestamp == 0 {
		c.Timestamp = uint64(time.Now().UnixNano())
	}
	if err := p.wal.Append(c); err != nil {
		return err
	}
	p.mem.Apply(c)
	return nil
}

// Delete writes a tombstone for (row, column).
func (p *Partition) Delete(row, column []byte) error {
	return p.Put(&Cell{Row: row, Column: column, Deleted: true})
}

// Get returns the newest live value of (row, column): memstore first,
// then store files newest to oldest. A tombstone as the newest version
// reads as ErrNotFound.
func (p *Partition) Get(row, column []byte) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.mem.Get(row, column); ok {
		if c.Deleted {
			return nil, ErrNotFound
		}
		return c.Value, nil
	}

	fam := (&Cell{Column: column}).Family()
	for _, sf := range p.files[fam] {
		c, ok, err := sf.Get(row, column)
		if err != nil {
			return nil, err
		}
		if ok {
			if c.Deleted {
				return nil, ErrNotFound
			}
			return c.Value, nil
		}
	}
	return nil, ErrNotFound
}

// Scan visits the newest version of every live (row, column) in row
// order, tombstoned entries skipped, until fn returns false.
func (p *Partition) Scan(fn func(*Cell) bool) error {
	if p.closed {
		return ErrClosed
	}

	type key struct{ row, col string }
	newest := make(map[key]*Cell)
	order := make([]key, 0)

	observe := func(c *Cell) {
		k := key{string(c.Row), string(c.Column)}
		if _, seen := newest[k]; !seen {
			newest[k] = c
			order = append(order, k)
		}
	}

	// Memstore iterates in version order, so the first cell seen per
	// (row, column) is the newest; the same holds per store file, and
	// files are visited newest first.
	p.mem.Ascend(func(c *Cell) bool {
		observe(c)
		return true
	})
	for _, fam := range p.families {
		for _, sf := range p.files[fam] {
			it := sf.NewIterator()
			for it.Next() {
				observe(it.Cell())
			}
			if err := it.Err(); err != nil {
				return err
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].row != order[j].row {
			return order[i].row < order[j].row
		}
		return order[i].col < order[j].col
	})
	for _, k := range order {
		c := newest[k]
		if c.Deleted {
			continue
		}
		if !fn(c) {
			break
		}
	}
	return nil
}

// Flush writes the memstore out as one new store file per family and
// truncates the write-ahead log. A partition with an empty memstore
// flushes trivially.
func (p *Partition) Flush() error {
	if p.closed {
		return ErrClosed
	}
	if p.mem.Len() == 0 {
		if p.wal.Size() > 0 {
			return p.wal.Reset()
		}
		return nil
	}

	byFamily := make(map[string][]*Cell)
	p.mem.Ascend(func(c *Cell) bool {
		fam := c.Family()
		byFamily[fam] = append(byFamily[fam], c)
		return true
	})

	for fam, cells := range byFamily {
		path := p.newStoreFilePath(fam)
		w, err := NewStoreFileWriter(path, p.cfg)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if err := w.Append(c); err != nil {
				w.Abort()
				return err
			}
		}
		if err := w.Finish(); err != nil {
			w.Abort()
			return err
		}
		sf, err := OpenStoreFile(path)
		if err != nil {
			return err
		}
		p.files[fam] = append([]*StoreFile{sf}, p.files[fam]...)
	}

	p.mem.Clear()
	return p.wal.Reset()
}

func (p *Partition) newStoreFilePath(fam string) string {
	// Time prefix keeps lexical order aligned with creation order; the
	// uuid guards against collisions within the same nanosecond.
	name := time.Now().UTC().Format("20060102150405.000000000") + "-" + uuid.NewString() + storeFileExt
	return filepath.Join(p.dir, fam, name)
}

// Flushed reports whether the partition holds no unflushed state:
// empty memstore and empty log.
func (p *Partition) Flushed() bool {
	return p.mem.Len() == 0 && p.wal.Size() == 0
}

// NeedsCompaction reports whether any family's store file count exceeds
// the configured compaction threshold.
func (p *Partition) NeedsCompaction() bool {
	for _, files := range p.files {
		if len(files) > p.cfg.CompactionThreshold {
			return true
		}
	}
	return false
}

// Close flushes buffered state and releases every file handle. The
// partition must not be used afterward.
func (p *Partition) Close() error {
	if p.closed {
		return nil
	}
	if err := p.Flush(); err != nil {
		return err
	}
	p.closed = true
	p.closeFiles()
	return p.wal.Close()
}

func (p *Partition) closeFiles() {
	for _, files := range p.files {
		for _, sf := range files {
			sf.Close()
		}
	}
}

// Retire removes the partition's directory, store files and log
// included. Irreversible; callers invoke it only once the replacement
// catalog entry is durable. Retiring an already-removed partition is a
// no-op.
func (p *Partition) Retire() error {
	if !p.closed {
		p.closed = true
		p.closeFiles()
		p.wal.Close()
	}
	if err := os.RemoveAll(p.dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
