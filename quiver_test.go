package quiver

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.New(
		schema.Field{Name: "item", Type: schema.TypeString},
		schema.Field{Name: "n", Type: schema.TypeInt64},
		schema.Field{Name: "vector", Type: schema.TypeVector, Dim: 2},
	)
	require.NoError(t, err)
	return sch
}

func memDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	return ConnectStore(blobstore.NewMemoryStore(), optFns...)
}

func TestConnectLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Connect(ctx, dir)
	require.NoError(t, err)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "foo", "n": int64(1), "vector": []float32{1, 2}},
	}))

	// A second connection to the same directory sees the data.
	db2, err := Connect(ctx, dir)
	require.NoError(t, err)
	tbl2, err := db2.OpenTable(ctx, "items")
	require.NoError(t, err)
	count, err := tbl2.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConnectMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, "memory://")
	require.NoError(t, err)

	_, err = db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
}

func TestCreateTable(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, "items", tbl.Name())

	v, err := tbl.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = db.CreateTable(ctx, "items", testSchema(t))
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = db.CreateTable(ctx, "bad/name", testSchema(t))
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = db.CreateTable(ctx, "nos", nil)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCreateTableOverwrite(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "foo", "n": int64(1), "vector": []float32{1, 2}},
	}))

	fresh, err := db.CreateTable(ctx, "items", testSchema(t), WithOverwrite())
	require.NoError(t, err)

	count, err := fresh.CountRows(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The new lineage continues the version number space above the old one.
	v, err := fresh.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	// The overwritten lineage's versions are unreachable.
	err = fresh.Checkout(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)

	versions, err := fresh.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.EqualValues(t, 3, versions[0].ID)
}

func TestCreateTableFromRows(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTableFromRows(ctx, "items", []schema.Row{
		{"item": "foo", "vector": []float32{1, 2}},
		{"item": "bar", "vector": []float32{3, 4}},
	})
	require.NoError(t, err)

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	sch, err := tbl.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sch.VectorField().Dim)
}

func TestOpenTableNotFound(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	_, err := db.OpenTable(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropTable(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "foo", "n": int64(1), "vector": []float32{1, 2}},
	}))

	require.NoError(t, db.DropTable(ctx, "items"))

	_, err = db.OpenTable(ctx, "items")
	require.ErrorIs(t, err, ErrNotFound)

	err = db.DropTable(ctx, "items")
	require.ErrorIs(t, err, ErrNotFound)

	// An existing handle fails cleanly after the drop.
	_, err = tbl.CountRows(ctx)
	require.ErrorIs(t, err, ErrTableDropped)

	// The name is reusable; the reborn table starts empty in a new lineage
	// past the tombstone.
	fresh, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	count, err := fresh.CountRows(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	v, err := fresh.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)

	err = fresh.Checkout(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropTableKeepsRetainedVersions(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "foo", "n": int64(1), "vector": []float32{1, 2}},
		{"item": "bar", "n": int64(2), "vector": []float32{3, 4}},
	}))

	reader, err := db.OpenTable(ctx, "items")
	require.NoError(t, err)
	require.NoError(t, reader.Checkout(ctx, 2))

	require.NoError(t, db.DropTable(ctx, "items"))

	// Dropping publishes a tombstone but reclaims nothing; the pinned
	// handle keeps reading its snapshot.
	count, err := reader.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := reader.Search([]float32{1, 2}).Limit(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "foo", results[0].Row["item"])
}

// hookStore runs a callback once, just before the next manifest publish,
// to interleave another operation at a precise point.
type hookStore struct {
	blobstore.BlobStore
	mu   sync.Mutex
	hook func()
}

func (s *hookStore) arm(hook func()) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *hookStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	hook := s.hook
	if hook != nil && strings.Contains(name, "MANIFEST-") {
		s.hook = nil
	} else {
		hook = nil
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.BlobStore.PutIfAbsent(ctx, name, data)
}

func TestCreateTableOverwriteFencesWriters(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{BlobStore: blobstore.NewMemoryStore()}
	db := ConnectStore(store)

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)

	// An overwrite slides in between the insert's fragment write and its
	// manifest publish. The insert must not resurrect the old lineage: its
	// publish conflicts with the genesis version and rebases onto it.
	store.arm(func() {
		_, err := db.CreateTable(ctx, "items", testSchema(t), WithOverwrite())
		require.NoError(t, err)
	})
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "late", "n": int64(1), "vector": []float32{1, 2}},
	}))

	fresh, err := db.OpenTable(ctx, "items")
	require.NoError(t, err)

	// Genesis took version 2, the rebased insert version 3.
	v, err := fresh.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	count, err := fresh.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	versions, err := fresh.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.EqualValues(t, 2, versions[0].ID)
	assert.EqualValues(t, 3, versions[1].ID)

	err = fresh.Checkout(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTableNames(t *testing.T) {
	ctx := context.Background()
	db := memDB(t)

	names, err := db.TableNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = db.CreateTable(ctx, "beta", testSchema(t))
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, "alpha", testSchema(t))
	require.NoError(t, err)

	names, err = db.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, db.DropTable(ctx, "beta"))
	names, err = db.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, names)
}

func TestBlockCacheOption(t *testing.T) {
	ctx := context.Background()
	db := memDB(t, WithBlockCache(1<<20))

	tbl, err := db.CreateTable(ctx, "items", testSchema(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(ctx, []schema.Row{
		{"item": "foo", "n": int64(1), "vector": []float32{1, 2}},
	}))

	count, err := tbl.CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := tbl.Search([]float32{1, 2}).Limit(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
