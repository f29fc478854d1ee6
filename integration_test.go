package mosaic_test

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mosaicdb/mosaic/internal/catalog"
	"github.com/mosaicdb/mosaic/internal/merge"
	"github.com/mosaicdb/mosaic/internal/storage"
	"github.com/mosaicdb/mosaic/internal/table"
)

const (
	testTable  = "merge_test"
	testFamily = "contents"
	testColumn = "contents:"
)

type fixture struct {
	rng  [2]string
	rows []string
}

func schema() table.TableDescriptor {
	return table.TableDescriptor{Name: testTable, Families: []string{testFamily}}
}

// Five partitions with overlapping, adjacent, disjoint and unbounded
// ranges, merged down to one. Every row inserted into any source must
// remain retrievable from each successive merge result.
var fixtures = []fixture{
	{rng: [2]string{"row_0200", "row_0300"}, rows: []string{"row_0210", "row_0280"}},
	{rng: [2]string{"row_0250", "row_0400"}, rows: []string{"row_0260", "row_0350"}},
	{rng: [2]string{"row_0100", "row_0200"}, rows: []string{"row_0110", "row_0175"}},
	{rng: [2]string{"row_0500", "row_0600"}, rows: []string{"row_0525", "row_0560"}},
	{rng: [2]string{"", ""}, rows: []string{"row_0050", "row_1000"}},
}

func seed(t *testing.T, root string, cat *catalog.Catalog, f fixture) table.PartitionDescriptor {
	t.Helper()
	desc := table.NewPartitionDescriptor(testTable, table.KeyRange{
		Start: []byte(f.rng[0]),
		End:   []byte(f.rng[1]),
	})
	p, err := storage.Create(desc, schema(), root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range f.rows {
		err := p.Put(&storage.Cell{
			Row:    []byte(row),
			Column: []byte(testColumn),
			Value:  []byte(row),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cat.Add(desc, ""); err != nil {
		t.Fatal(err)
	}
	return desc
}

func verifyAll(t *testing.T, root string, desc table.PartitionDescriptor, rows []string) {
	t.Helper()
	p, err := storage.Open(desc, root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	for _, row := range rows {
		v, err := p.Get([]byte(row), []byte(testColumn))
		if err != nil {
			t.Errorf("row %s lost after merge into %s: %v", row, desc.EncodedName(), err)
			continue
		}
		if string(v) != row {
			t.Errorf("row %s: got value %q", row, v)
		}
	}
}

func TestMergeTool(t *testing.T) {
	root, err := os.MkdirTemp("", "mosaic-it-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	cat, err := catalog.Open(root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	driver := merge.NewDriver(root, cat, storage.DefaultConfig(), merge.Options{}, log, nil)

	var descs []table.PartitionDescriptor
	for _, f := range fixtures {
		descs = append(descs, seed(t, root, cat, f))
	}

	// Fold the partitions left to right, checking after every step
	// that nothing inserted so far has been lost.
	current := descs[0]
	inserted := append([]string{}, fixtures[0].rows...)
	for i := 1; i < len(fixtures); i++ {
		// The fourth partition's range touches nothing merged so
		// far, so that step needs the disjoint override.
		driver.Options.AllowDisjoint = i == 3

		merged, err := driver.Run(testTable, current.EncodedName(), descs[i].EncodedName())
		if err != nil {
			t.Fatalf("merge step %d: %v", i, err)
		}
		inserted = append(inserted, fixtures[i].rows...)
		verifyAll(t, root, merged, inserted)
		current = merged
	}

	if !current.Range.Unbounded() {
		t.Errorf("final partition range %s, want fully unbounded", current.Range)
	}

	// The catalog holds exactly one live partition for the table.
	entries, err := cat.Entries(testTable)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving catalog entry, got %d", len(entries))
	}
	if !entries[0].Descriptor.Equal(current) {
		t.Errorf("surviving entry %s, want %s",
			entries[0].Descriptor.EncodedName(), current.EncodedName())
	}

	// The catalog itself survives a reopen with the final state.
	if err := cat.Close(); err != nil {
		t.Fatal(err)
	}
	cat2, err := catalog.Open(root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer cat2.Close()
	if _, err := cat2.Resolve(current.EncodedName()); err != nil {
		t.Errorf("final partition not resolvable after catalog reopen: %v", err)
	}

	verifyAll(t, root, current, inserted)
}
