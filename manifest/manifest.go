// Package manifest implements the versioned metadata log underneath a table.
//
// Every mutation produces a new immutable TableVersion describing the full
// state of the table: schema, live fragments, deletion vectors and the row-id
// watermark. Versions are published to numbered blobstore keys with
// PutIfAbsent, so exactly one of any set of concurrent writers claims a
// version number; the rest observe ErrConflict and retry against the new
// latest. Readers pin a version once and see a stable snapshot regardless of
// concurrent writes.
package manifest

import (
	"errors"
	"time"

	"github.com/quiverdb/quiver/schema"
)

var (
	// ErrConflict is returned by Publish when the version number was claimed
	// by a concurrent writer. The caller re-reads latest and retries.
	ErrConflict = errors.New("version already published")

	// ErrNotFound is returned when a requested version does not exist or the
	// log is empty.
	ErrNotFound = errors.New("version not found")

	// ErrCorruption is returned when a version entry fails to decode.
	ErrCorruption = errors.New("manifest corrupted")
)

// FragmentRef points a version at one fragment file and its deletion state.
type FragmentRef struct {
	// ID is the fragment's unique name, stable across versions.
	ID string `json:"id"`
	// Path is the blobstore key of the fragment file.
	Path string `json:"path"`
	// RowCount is the number of rows physically stored in the fragment.
	RowCount int `json:"row_count"`
	// DeletionPath is the blobstore key of the fragment's deletion vector,
	// empty when no rows are deleted.
	DeletionPath string `json:"deletion_path,omitempty"`
	// DeletedCount is the number of rows masked by the deletion vector.
	DeletedCount uint64 `json:"deleted_count,omitempty"`
}

// LiveRows returns the number of non-deleted rows in the fragment.
func (f FragmentRef) LiveRows() int {
	return f.RowCount - int(f.DeletedCount)
}

// TableVersion is one immutable snapshot of a table's state.
type TableVersion struct {
	// ID is the version number, starting at 1 and increasing by one per
	// publish.
	ID uint64 `json:"id"`
	// CreatedAt is the wall-clock publish time, informational only.
	CreatedAt time.Time `json:"created_at"`
	// Schema is the table schema, fixed at table creation.
	Schema *schema.Schema `json:"schema"`
	// Fragments lists the data files visible in this version, in insertion
	// order.
	Fragments []FragmentRef `json:"fragments"`
	// NextRowID is the row-id watermark: every id below it is in use or
	// retired. New fragments take ids from here.
	NextRowID uint64 `json:"next_row_id"`
	// Lineage is the id of the version that began this incarnation of the
	// table. Recreating a dropped or overwritten table starts a new lineage
	// in the same number space; earlier lineages stay in the log for
	// retention cleanup but are not reachable through the new table.
	Lineage uint64 `json:"lineage,omitempty"`
	// Tombstone marks the table as dropped. A tombstone ends the lineage;
	// nothing may be published on top of one.
	Tombstone bool `json:"tombstone,omitempty"`
}

// RowCount returns the number of live rows across all fragments.
func (v *TableVersion) RowCount() int {
	total := 0
	for _, f := range v.Fragments {
		total += f.LiveRows()
	}
	return total
}

// Fragment looks up a fragment reference by id.
func (v *TableVersion) Fragment(id string) (FragmentRef, bool) {
	for _, f := range v.Fragments {
		if f.ID == id {
			return f, true
		}
	}
	return FragmentRef{}, false
}

// Next derives a child version: same schema, copied fragment list,
// incremented ID. The caller mutates the copy and publishes it.
func (v *TableVersion) Next() *TableVersion {
	frags := make([]FragmentRef, len(v.Fragments))
	copy(frags, v.Fragments)
	return &TableVersion{
		ID:        v.ID + 1,
		CreatedAt: time.Now().UTC(),
		Schema:    v.Schema,
		Fragments: frags,
		NextRowID: v.NextRowID,
		Lineage:   v.Lineage,
	}
}
