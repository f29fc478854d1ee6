package table

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPartitionDescriptor_Identity(t *testing.T) {
	r := kr("a", "m")
	d1 := NewPartitionDescriptor("users", r)
	d2 := NewPartitionDescriptor("users", r)

	// Same table, same range: the disambiguating id still makes the
	// encoded names distinct.
	if d1.EncodedName() == d2.EncodedName() {
		t.Fatal("descriptors with identical ranges must get distinct encoded names")
	}
	if !d1.Equal(d1) {
		t.Error("descriptor should equal itself")
	}
	if d1.Equal(d2) {
		t.Error("distinct descriptors should not compare equal")
	}
	if !strings.HasPrefix(d1.EncodedName(), "users,") {
		t.Errorf("encoded name %q should start with the table name", d1.EncodedName())
	}
}

func TestPartitionDescriptor_JSONRoundtrip(t *testing.T) {
	d := NewPartitionDescriptor("users", kr("a", "m"))

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var got PartitionDescriptor
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d) {
		t.Errorf("roundtrip changed identity: %s vs %s", got.EncodedName(), d.EncodedName())
	}
	if !got.Range.Contains([]byte("b")) || got.Range.Contains([]byte("z")) {
		t.Error("roundtrip changed the range")
	}
}

func TestNewMergedDescriptor_Deterministic(t *testing.T) {
	a := NewPartitionDescriptor("users", kr("a", "m"))
	b := NewPartitionDescriptor("users", kr("m", "z"))

	m1 := NewMergedDescriptor(a, b)
	m2 := NewMergedDescriptor(b, a)
	if !m1.Equal(m2) {
		t.Errorf("merged identity should not depend on argument order: %s vs %s",
			m1.EncodedName(), m2.EncodedName())
	}
	if m1.Equal(a) || m1.Equal(b) {
		t.Error("merged descriptor must be distinct from both sources")
	}
	if string(m1.Range.Start) != "a" || string(m1.Range.End) != "z" {
		t.Errorf("merged range %s, want [a,z)", m1.Range)
	}

	// Re-deriving from the same sources names the same partition.
	again := NewMergedDescriptor(a, b)
	if !again.Equal(m1) {
		t.Error("repeated derivation must produce the same encoded name")
	}
}

func TestMergedEncodedName_FromNames(t *testing.T) {
	a := NewPartitionDescriptor("users", kr("", "m"))
	b := NewPartitionDescriptor("users", kr("m", "z"))
	want := NewMergedDescriptor(a, b).EncodedName()

	got, err := MergedEncodedName(a.EncodedName(), b.EncodedName())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("recomputed name %q, want %q", got, want)
	}

	if _, err := MergedEncodedName(a.EncodedName(), "orders,6d,some-id"); err == nil {
		t.Error("mixed-table names should be rejected")
	}
	if _, err := MergedEncodedName("garbage", b.EncodedName()); err == nil {
		t.Error("malformed name should be rejected")
	}
}

func TestParseEncodedName(t *testing.T) {
	d := PartitionDescriptor{Table: "users", Range: kr("a", "m"), ID: "fixed-id"}
	tableName, start, id, err := ParseEncodedName(d.EncodedName())
	if err != nil {
		t.Fatal(err)
	}
	if tableName != "users" || string(start) != "a" || id != "fixed-id" {
		t.Errorf("parsed (%q, %q, %q)", tableName, start, id)
	}

	// Unbounded start survives the roundtrip as empty.
	u := PartitionDescriptor{Table: "users", Range: kr("", "m"), ID: "fixed-id"}
	_, start, _, err = ParseEncodedName(u.EncodedName())
	if err != nil {
		t.Fatal(err)
	}
	if len(start) != 0 {
		t.Errorf("expected empty start, got %q", start)
	}
}

func TestPartitionDescriptor_EncodedNameDeterministic(t *testing.T) {
	d := PartitionDescriptor{Table: "users", Range: kr("a", "m"), ID: "fixed-id"}
	if d.EncodedName() != d.EncodedName() {
		t.Fatal("encoded name must be deterministic")
	}
	if d.EncodedName() != "users,61,fixed-id" {
		t.Errorf("unexpected encoded name %q", d.EncodedName())
	}
}
