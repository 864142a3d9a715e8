package ivfpq

import (
	"context"
	"testing"

	"github.com/quiverdb/quiver/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusteredDataset builds two well-separated clusters in 2D: rows 0..n/2-1
// near the origin, the rest near (100,100).
func clusteredDataset(n int) ([]float32, []uint64) {
	vectors := make([]float32, 0, 2*n)
	rowIDs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		base := float32(0)
		if i >= n/2 {
			base = 100
		}
		vectors = append(vectors, base+float32(i%7), base+float32((i*3)%5))
		rowIDs = append(rowIDs, uint64(i))
	}
	return vectors, rowIDs
}

func buildTestIndex(t *testing.T, metric distance.Metric) *Index {
	t.Helper()
	vectors, rowIDs := clusteredDataset(64)

	idx, err := Build(context.Background(), Params{
		NumPartitions: 2,
		NumSubvectors: 2,
		NumCentroids:  16,
		Metric:        metric,
		Seed:          42,
	}, 3, 2, vectors, rowIDs, []string{"frag-a", "frag-b"})
	require.NoError(t, err)
	return idx
}

func TestBuildValidation(t *testing.T) {
	ctx := context.Background()
	vectors, rowIDs := clusteredDataset(4)

	_, err := Build(ctx, Params{NumPartitions: 8, NumSubvectors: 2}, 1, 2, vectors, rowIDs, nil)
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = Build(ctx, Params{NumPartitions: 2, NumSubvectors: 3}, 1, 2, vectors, rowIDs, nil)
	require.Error(t, err) // dimension not divisible by M

	_, err = Build(ctx, Params{NumPartitions: 2, NumSubvectors: 2}, 1, 2, vectors[:6], rowIDs, nil)
	require.Error(t, err) // length mismatch
}

func TestBuildDeterministic(t *testing.T) {
	a := buildTestIndex(t, distance.MetricL2)
	b := buildTestIndex(t, distance.MetricL2)

	enc1, err := a.Encode()
	require.NoError(t, err)
	enc2, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, enc1, enc2)
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vectors, rowIDs := clusteredDataset(64)
	_, err := Build(ctx, Params{NumPartitions: 2, NumSubvectors: 2}, 1, 2, vectors, rowIDs, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSearchFindsNeighbors(t *testing.T) {
	idx := buildTestIndex(t, distance.MetricL2)
	require.Equal(t, 64, idx.Size())

	// Probe both partitions: the best candidates must come from the far
	// cluster for a query near (100,100).
	items, err := idx.Search([]float32{100, 100}, 2, 10)
	require.NoError(t, err)
	require.Len(t, items, 10)
	for _, it := range items {
		assert.GreaterOrEqual(t, it.RowID, uint64(32), "candidate from the wrong cluster")
	}

	// Distances ascending.
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].Distance, items[i].Distance)
	}
}

func TestSearchSinglePartitionProbe(t *testing.T) {
	idx := buildTestIndex(t, distance.MetricL2)

	// With one probe near the origin cluster, far-cluster rows are invisible.
	items, err := idx.Search([]float32{1, 1}, 1, 64)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.Less(t, it.RowID, uint64(32))
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	idx := buildTestIndex(t, distance.MetricL2)
	_, err := idx.Search([]float32{1, 2, 3}, 1, 5)
	require.Error(t, err)
}

func TestArtifactRoundTrip(t *testing.T) {
	idx := buildTestIndex(t, distance.MetricCosine)

	data, err := idx.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.EqualValues(t, 3, decoded.SourceVersion())
	assert.Equal(t, 2, decoded.Dimension())
	assert.Equal(t, distance.MetricCosine, decoded.Metric())
	assert.Equal(t, []string{"frag-a", "frag-b"}, decoded.FragmentIDs())
	assert.True(t, decoded.Covers("frag-a"))
	assert.False(t, decoded.Covers("frag-z"))
	assert.Equal(t, idx.Size(), decoded.Size())

	// The decoded index serves the same results as the in-memory one.
	want, err := idx.Search([]float32{100, 100}, 2, 5)
	require.NoError(t, err)
	got, err := decoded.Search([]float32{100, 100}, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestArtifactCorruptionDetected(t *testing.T) {
	idx := buildTestIndex(t, distance.MetricL2)
	data, err := idx.Encode()
	require.NoError(t, err)

	bad := append([]byte(nil), data...)
	bad[10] ^= 0xFF
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrCorruption)

	_, err = Decode(data[:8])
	require.ErrorIs(t, err, ErrCorruption)
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "items.table/index/IVFPQ-0000000007.qix", ArtifactName("items.table", 7))
}
