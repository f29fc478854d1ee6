package table

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// PartitionDescriptor identifies one partition of a table: the table it
// belongs to, the key range it is declared to own, and a disambiguating
// id minted when the partition is first defined. Two descriptors with
// identical ranges still get distinct encoded names, so a merge output
// can never collide with its sources or with prior merge outputs.
type PartitionDescriptor struct {
	Table string   `json:"table"`
	Range KeyRange `json:"range"`
	ID    string   `json:"id"`
}

// NewPartitionDescriptor mints a descriptor for a newly defined partition.
func NewPartitionDescriptor(tableName string, r KeyRange) PartitionDescriptor {
	return PartitionDescriptor{
		Table: tableName,
		Range: r,
		ID:    uuid.NewString(),
	}
}

// mergeIDNamespace scopes the ids minted for merge outputs; see
// NewMergedDescriptor.
var mergeIDNamespace = uuid.MustParse("5a1fbf9e-30c4-45d8-8a6e-b4c29d07f1e2")

// MergedID derives the id of the partition that replaces the two given
// ones. It is deterministic and symmetric in its inputs, so re-running
// an interrupted merge recomputes the same id, while still being
// distinct from both source ids.
func MergedID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return uuid.NewSHA1(mergeIDNamespace, []byte(lo+"+"+hi)).String()
}

// NewMergedDescriptor mints the descriptor of the partition replacing a
// and b: the union of their ranges and an id derived from the source
// ids, so a repeat run under identical arguments names the same output
// and the catalog can recognize a commit that already happened.
func NewMergedDescriptor(a, b PartitionDescriptor) PartitionDescriptor {
	return PartitionDescriptor{
		Table: a.Table,
		Range: Union(a.Range, b.Range),
		ID:    MergedID(a.ID, b.ID),
	}
}

// EncodedName is the partition's durable identity: catalog row key and
// on-disk directory name. It is derived deterministically from the
// table, start key, and id.
func (d PartitionDescriptor) EncodedName() string {
	return fmt.Sprintf("%s,%x,%s", d.Table, d.Range.Start, d.ID)
}

// Equal reports whether two descriptors name the same partition.
func (d PartitionDescriptor) Equal(o PartitionDescriptor) bool {
	return d.EncodedName() == o.EncodedName()
}

func (d PartitionDescriptor) String() string {
	return fmt.Sprintf("%s %s", d.EncodedName(), d.Range)
}

// ParseEncodedName splits an encoded partition name back into its
// table, range start key, and id. The range end is not part of the name
// and cannot be recovered.
func ParseEncodedName(name string) (tableName string, start []byte, id string, err error) {
	parts := strings.Split(name, ",")
	if len(parts) < 3 {
		return "", nil, "", errors.Newf("malformed partition name %q", name)
	}
	start, err = hex.DecodeString(parts[len(parts)-2])
	if err != nil {
		return "", nil, "", errors.Newf("malformed partition name %q: %v", name, err)
	}
	return strings.Join(parts[:len(parts)-2], ","), start, parts[len(parts)-1], nil
}

// MergedEncodedName computes, from two encoded source names alone, the
// encoded name their merge result carries: the merged start key and the
// deterministic merged id both derive from fields present in the names.
// This lets a repeat run recognize an already-committed merge even when
// the sources are no longer cataloged.
func MergedEncodedName(name1, name2 string) (string, error) {
	t1, s1, id1, err := ParseEncodedName(name1)
	if err != nil {
		return "", err
	}
	t2, s2, id2, err := ParseEncodedName(name2)
	if err != nil {
		return "", err
	}
	if t1 != t2 {
		return "", errors.Newf("partitions %q and %q belong to different tables", name1, name2)
	}
	d := PartitionDescriptor{
		Table: t1,
		Range: Union(KeyRange{Start: s1}, KeyRange{Start: s2}),
		ID:    MergedID(id1, id2),
	}
	return d.EncodedName(), nil
}

// TableDescriptor is the slice of table schema the storage layer needs:
// the table name and its column families. Family layout on disk is one
// directory of store files per family.
type TableDescriptor struct {
	Name     string   `json:"name"`
	Families []string `json:"families"`
}
