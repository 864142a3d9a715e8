package quiver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictStore fails PutIfAbsent with ErrAlreadyExists a fixed number of
// times once armed, simulating a writer that keeps losing publish races.
type conflictStore struct {
	blobstore.BlobStore
	mu        sync.Mutex
	armed     bool
	remaining int
}

func newConflictStore(conflicts int) *conflictStore {
	return &conflictStore{BlobStore: blobstore.NewMemoryStore(), remaining: conflicts}
}

func (s *conflictStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *conflictStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	inject := s.armed && s.remaining > 0
	if inject {
		s.remaining--
	}
	s.mu.Unlock()

	if inject {
		return blobstore.ErrAlreadyExists
	}
	return s.BlobStore.PutIfAbsent(ctx, name, data)
}

func seedRows(n int) []schema.Row {
	rows := make([]schema.Row, n)
	for i := range rows {
		rows[i] = schema.Row{
			"item":   fmt.Sprintf("item-%d", i),
			"n":      int64(i),
			"vector": []float32{float32(i), float32(i + 1)},
		}
	}
	return rows
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	require.NoError(t, tbl.Insert(ctx, seedRows(10)))

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	v, err := tbl.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	// Each insert is one fragment and one new version.
	require.NoError(t, tbl.Insert(ctx, seedRows(5)))
	count, err = tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, count)

	v, err = tbl.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	// Empty insert is a no-op, not a new version.
	require.NoError(t, tbl.Insert(ctx, nil))
	v, err = tbl.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	err = tbl.Insert(ctx, []schema.Row{
		{"item": "ok", "n": int64(0), "vector": []float32{1, 2}},
		{"item": "short", "n": int64(1), "vector": []float32{1}},
	})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	err = tbl.Insert(ctx, []schema.Row{
		{"item": "missing-vector", "n": int64(0)},
	})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	err = tbl.Insert(ctx, []schema.Row{
		{"item": int64(7), "n": int64(0), "vector": []float32{1, 2}},
	})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// A rejected batch writes nothing.
	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, seedRows(10)))

	deleted, err := tbl.Delete(ctx, "n < 3")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	// Already-deleted rows do not match again.
	deleted, err = tbl.Delete(ctx, "n < 5")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// No matches publishes no version.
	before, err := tbl.Version(ctx)
	require.NoError(t, err)
	deleted, err = tbl.Delete(ctx, "item = 'no-such-item'")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	after, err := tbl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = tbl.Delete(ctx, "n <<< 3")
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, seedRows(10)))

	v2, err := tbl.Version(ctx)
	require.NoError(t, err)

	_, err = tbl.Delete(ctx, "n < 5")
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, seedRows(3)))

	reader, err := db.OpenTable(ctx, "items")
	require.NoError(t, err)
	require.NoError(t, reader.Checkout(ctx, v2))

	// The pinned handle still sees the state before delete and insert.
	count, err := reader.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	results, err := reader.Search([]float32{0, 1}).Limit(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "item-0", results[0].Row["item"])

	// Writes through a pinned handle are rejected.
	err = reader.Insert(ctx, seedRows(1))
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = reader.Delete(ctx, "n = 0")
	require.ErrorIs(t, err, ErrInvalidQuery)

	reader.CheckoutLatest()
	count, err = reader.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	// Unknown and tombstone versions cannot be checked out.
	err = reader.Checkout(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListVersions(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, seedRows(4)))
	require.NoError(t, tbl.Insert(ctx, seedRows(4)))

	versions, err := tbl.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.EqualValues(t, 1, versions[0].ID)
	assert.EqualValues(t, 3, versions[2].ID)
	assert.Equal(t, 8, versions[2].RowCount())
}

func TestConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	db := memDB(t, WithConflictRetries(64))
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs[w] = tbl.Insert(ctx, []schema.Row{{
				"item":   fmt.Sprintf("writer-%d", w),
				"n":      int64(w),
				"vector": []float32{float32(w), float32(w)},
			}})
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		require.NoError(t, err, "writer %d", w)
	}

	// Every loser rebased, so the final version holds the union.
	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, count)

	// Row ids never collide across the rebased fragments.
	results, err := tbl.Search([]float32{0, 0}).Limit(writers).WithRowID().Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, writers)
	seen := make(map[uint64]struct{})
	for _, r := range results {
		_, dup := seen[r.RowID]
		assert.False(t, dup, "duplicate row id %d", r.RowID)
		seen[r.RowID] = struct{}{}
	}
}

func TestInsertConflictBudget(t *testing.T) {
	ctx := context.Background()

	store := newConflictStore(3)
	db := ConnectStore(store, WithConflictRetries(2))
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	store.arm()
	err = tbl.Insert(ctx, seedRows(1))
	require.ErrorIs(t, err, ErrWriteConflict)
}

func TestCleanupOldVersions(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, tbl.Insert(ctx, seedRows(2)))
	}

	versionsRemoved, blobsRemoved, err := tbl.CleanupOldVersions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, versionsRemoved)
	// All four fragments are still referenced by the kept versions.
	assert.Zero(t, blobsRemoved)

	versions, err := tbl.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	// The latest snapshot is untouched.
	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	results, err := tbl.Search([]float32{0, 1}).Limit(8).Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 8)

	// Removed versions are gone.
	err = tbl.Checkout(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)

	// keepLast below 1 is clamped; nothing left to remove here.
	versionsRemoved, _, err = tbl.CleanupOldVersions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, versionsRemoved)
}

func TestCleanupReclaimsPriorLineage(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, seedRows(4)))

	require.NoError(t, db.DropTable(ctx, "items"))

	// Drop reclaims nothing; the old lineage's fragment survives until the
	// reborn table's retention cleanup prunes those versions.
	fresh, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, fresh.Insert(ctx, seedRows(1)))

	// Log holds v1, v2, tombstone v3, genesis v4, insert v5.
	versionsRemoved, blobsRemoved, err := fresh.CleanupOldVersions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, versionsRemoved)
	assert.Equal(t, 1, blobsRemoved)

	count, err := fresh.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCleanupRemovesUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)
	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	require.NoError(t, tbl.Insert(ctx, seedRows(4)))
	_, err = tbl.Delete(ctx, "n < 2")
	require.NoError(t, err)
	_, err = tbl.Delete(ctx, "n < 3")
	require.NoError(t, err)

	// Keeping only the newest version frees the superseded deletion vector.
	_, blobsRemoved, err := tbl.CleanupOldVersions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, blobsRemoved)

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
