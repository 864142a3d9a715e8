package manifest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVersion(t *testing.T, id uint64) *TableVersion {
	t.Helper()
	sch, err := schema.New(
		schema.Field{Name: "item", Type: schema.TypeString},
		schema.Field{Name: "vector", Type: schema.TypeVector, Dim: 2},
	)
	require.NoError(t, err)

	return &TableVersion{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Schema:    sch,
		NextRowID: 1,
	}
}

func TestLogPublishAndRead(t *testing.T) {
	ctx := context.Background()
	log := NewLog(blobstore.NewMemoryStore(), "tbl.table/_versions")

	_, err := log.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	v1 := testVersion(t, 1)
	v1.Fragments = []FragmentRef{{ID: "f1", Path: "tbl.table/data/f1.frag", RowCount: 3}}
	require.NoError(t, log.Publish(ctx, v1))

	got, err := log.Latest(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ID)
	assert.Equal(t, 3, got.RowCount())
	require.Len(t, got.Schema.Fields, 2)

	v2 := got.Next()
	assert.EqualValues(t, 2, v2.ID)
	v2.Fragments = append(v2.Fragments, FragmentRef{ID: "f2", Path: "tbl.table/data/f2.frag", RowCount: 2})
	require.NoError(t, log.Publish(ctx, v2))

	got, err = log.Latest(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.ID)
	assert.Equal(t, 5, got.RowCount())

	// Historical read still sees the old snapshot.
	old, err := log.Version(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, old.Fragments, 1)

	numbers, err := log.VersionNumbers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, numbers)

	_, err = log.Version(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLogPublishConflict(t *testing.T) {
	ctx := context.Background()
	log := NewLog(blobstore.NewMemoryStore(), "tbl.table/_versions")

	require.NoError(t, log.Publish(ctx, testVersion(t, 1)))
	err := log.Publish(ctx, testVersion(t, 1))
	require.ErrorIs(t, err, ErrConflict)
}

func TestLogConcurrentPublishSingleWinner(t *testing.T) {
	ctx := context.Background()
	log := NewLog(blobstore.NewMemoryStore(), "tbl.table/_versions")

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = log.Publish(ctx, testVersion(t, 1))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestLogLatestSkipsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	log := NewLog(store, "tbl.table/_versions")

	require.NoError(t, log.Publish(ctx, testVersion(t, 1)))

	// A torn write left garbage at version 2.
	require.NoError(t, store.Put(ctx, "tbl.table/_versions/MANIFEST-0000000002", []byte("not json")))

	got, err := log.Latest(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ID)

	_, err = log.Version(ctx, 2)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestLogLatestSurfacesDeepCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	log := NewLog(store, "tbl.table/_versions")

	require.NoError(t, log.Publish(ctx, testVersion(t, 1)))

	// A torn tail is tolerated, but a second undecodable entry below it
	// means the log itself is damaged and must not be papered over.
	require.NoError(t, store.Put(ctx, "tbl.table/_versions/MANIFEST-0000000002", []byte("not json")))
	require.NoError(t, store.Put(ctx, "tbl.table/_versions/MANIFEST-0000000003", []byte("also not json")))

	_, err := log.Latest(ctx)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestLogDelete(t *testing.T) {
	ctx := context.Background()
	log := NewLog(blobstore.NewMemoryStore(), "tbl.table/_versions")

	require.NoError(t, log.Publish(ctx, testVersion(t, 1)))
	v2 := testVersion(t, 2)
	require.NoError(t, log.Publish(ctx, v2))

	require.NoError(t, log.Delete(ctx, 1))

	numbers, err := log.VersionNumbers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, numbers)
}
