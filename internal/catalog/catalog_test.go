package catalog

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mosaicdb/mosaic/internal/storage"
	"github.com/mosaicdb/mosaic/internal/table"
)

func openTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	root, err := os.MkdirTemp("", "mosaic-cat-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	cat, err := Open(root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat, root
}

func userDescriptor(start, end string) table.PartitionDescriptor {
	return table.NewPartitionDescriptor("users", table.KeyRange{
		Start: []byte(start),
		End:   []byte(end),
	})
}

func TestCatalog_AddResolve(t *testing.T) {
	cat, _ := openTestCatalog(t)

	desc := userDescriptor("a", "m")
	if err := cat.Add(desc, "node1:7000"); err != nil {
		t.Fatal(err)
	}

	entry, err := cat.Resolve(desc.EncodedName())
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Descriptor.Equal(desc) {
		t.Errorf("resolved %s, want %s", entry.Descriptor.EncodedName(), desc.EncodedName())
	}
	if entry.Location != "node1:7000" {
		t.Errorf("resolved location %q, want node1:7000", entry.Location)
	}
}

func TestCatalog_ResolveUnknown(t *testing.T) {
	cat, _ := openTestCatalog(t)

	if _, err := cat.Resolve("users,,no-such-id"); !errors.Is(err, ErrUnknownPartition) {
		t.Fatalf("expected ErrUnknownPartition, got %v", err)
	}
}

func TestCatalog_Replace(t *testing.T) {
	cat, _ := openTestCatalog(t)

	a := userDescriptor("a", "m")
	b := userDescriptor("m", "z")
	if err := cat.Add(a, ""); err != nil {
		t.Fatal(err)
	}
	if err := cat.Add(b, ""); err != nil {
		t.Fatal(err)
	}

	merged := table.NewMergedDescriptor(a, b)
	if err := cat.Replace(a.EncodedName(), b.EncodedName(), merged); err != nil {
		t.Fatal(err)
	}

	// The merged row is live, the sources are gone.
	if _, err := cat.Resolve(merged.EncodedName()); err != nil {
		t.Fatalf("merged entry should resolve: %v", err)
	}
	if _, err := cat.Resolve(a.EncodedName()); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("source A should be gone, got %v", err)
	}
	if _, err := cat.Resolve(b.EncodedName()); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("source B should be gone, got %v", err)
	}

	entries, err := cat.Entries("users")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 live entry, got %d", len(entries))
	}
	got := entries[0].Descriptor.Range
	if string(got.Start) != "a" || string(got.End) != "z" {
		t.Errorf("live entry range %s, want [a,z)", got)
	}
}

func TestCatalog_ReplaceIdempotent(t *testing.T) {
	cat, _ := openTestCatalog(t)

	a := userDescriptor("a", "m")
	b := userDescriptor("m", "z")
	cat.Add(a, "")
	cat.Add(b, "")
	merged := table.NewMergedDescriptor(a, b)

	// Simulate a crash between add and remove: the new row exists, the
	// old rows are still present. Re-applying must finish the job
	// without duplicating the new row.
	if err := cat.Add(merged, ""); err != nil {
		t.Fatal(err)
	}
	if err := cat.Replace(a.EncodedName(), b.EncodedName(), merged); err != nil {
		t.Fatal(err)
	}
	// And replaying the full operation after completion changes nothing.
	if err := cat.Replace(a.EncodedName(), b.EncodedName(), merged); err != nil {
		t.Fatal(err)
	}

	entries, err := cat.Entries("users")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].Descriptor.Equal(merged) {
		t.Fatalf("expected only the merged entry, got %d entries", len(entries))
	}
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	root, err := os.MkdirTemp("", "mosaic-cat-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	cat, err := Open(root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	desc := userDescriptor("a", "m")
	if err := cat.Add(desc, ""); err != nil {
		t.Fatal(err)
	}
	if err := cat.Close(); err != nil {
		t.Fatal(err)
	}

	cat2, err := Open(root, storage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer cat2.Close()
	if _, err := cat2.Resolve(desc.EncodedName()); err != nil {
		t.Fatalf("entry should survive reopen: %v", err)
	}
}

func TestCatalog_EntriesFiltersTables(t *testing.T) {
	cat, _ := openTestCatalog(t)

	cat.Add(userDescriptor("", ""), "")
	other := table.NewPartitionDescriptor("orders", table.KeyRange{})
	cat.Add(other, "")

	entries, err := cat.Entries("users")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Descriptor.Table != "users" {
		t.Fatalf("expected only the users entry, got %d", len(entries))
	}
}
