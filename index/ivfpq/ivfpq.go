// Package ivfpq implements the IVF-PQ vector index: coarse k-means
// partitioning (the inverted file) with product-quantized residuals in each
// partition's posting list.
//
// An index is built from one pinned table version and persisted as a single
// immutable artifact. Searches probe the nprobe closest partitions and score
// candidates with asymmetric distance computation against the quantized
// residuals; callers re-rank the shortlist against full-precision vectors.
// Rows in fragments the artifact does not cover are the caller's problem
// (the executor brute-forces that tail), which keeps a stale index correct,
// just slower.
package ivfpq

import (
	"context"
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/internal/kmeans"
	"github.com/quiverdb/quiver/internal/math32"
	"github.com/quiverdb/quiver/internal/queue"
	"github.com/quiverdb/quiver/quantization"
)

const (
	// DefaultNumCentroids is the PQ codebook size per sub-vector slot.
	DefaultNumCentroids = 256
	// DefaultMaxIter bounds the k-means training loops.
	DefaultMaxIter = 25
)

// ErrInsufficientData is returned when the snapshot holds fewer vectors than
// the requested number of partitions.
var ErrInsufficientData = errors.New("not enough rows to train index")

// Params configures an index build. Zero values pick defaults where a
// default exists; NumPartitions and NumSubvectors must be set.
type Params struct {
	// NumPartitions is the number of coarse clusters (the IVF lists).
	NumPartitions int
	// NumSubvectors is the PQ segment count M; must divide the dimension.
	NumSubvectors int
	// NumCentroids is the PQ codebook size K per slot, at most 256.
	NumCentroids int
	// Metric is the distance metric the index is built for.
	Metric distance.Metric
	// Seed makes training deterministic. The same data and seed always
	// produce the same artifact.
	Seed int64
	// MaxIter bounds both coarse and codebook k-means iterations.
	MaxIter int
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.NumCentroids == 0 {
		out.NumCentroids = DefaultNumCentroids
	}
	if out.MaxIter <= 0 {
		out.MaxIter = DefaultMaxIter
	}
	return out
}

type entry struct {
	rowID uint64
	codes []byte
}

// Index is a built IVF-PQ index over one table snapshot.
type Index struct {
	sourceVersion uint64
	dim           int
	params        Params
	centroids     []float32 // flattened NumPartitions*dim
	pq            *quantization.ProductQuantizer
	fragmentIDs   []string
	covered       map[string]struct{}
	partitions    [][]entry
}

// Build trains an index from the snapshot's vectors.
//
// vectors is flattened row-major (len(rowIDs)*dim); fragmentIDs names the
// fragments whose live rows are included, in manifest order. Cancelling ctx
// aborts training and leaves nothing behind.
func Build(ctx context.Context, params Params, sourceVersion uint64, dim int, vectors []float32, rowIDs []uint64, fragmentIDs []string) (*Index, error) {
	p := params.withDefaults()
	if p.NumPartitions <= 0 {
		return nil, errors.New("NumPartitions must be positive")
	}
	if dim <= 0 || len(vectors) != len(rowIDs)*dim {
		return nil, fmt.Errorf("vector data length %d does not match %d rows of dimension %d", len(vectors), len(rowIDs), dim)
	}
	if len(rowIDs) < p.NumPartitions {
		return nil, fmt.Errorf("%w: %d rows, %d partitions", ErrInsufficientData, len(rowIDs), p.NumPartitions)
	}

	pq, err := quantization.NewProductQuantizer(dim, p.NumSubvectors, p.NumCentroids)
	if err != nil {
		return nil, err
	}

	// Cosine reduces to L2 on normalized vectors, so the coarse clustering
	// and the residual codebooks always train in L2 space.
	train := vectors
	if p.Metric == distance.MetricCosine {
		train = make([]float32, len(vectors))
		copy(train, vectors)
		for i := 0; i < len(rowIDs); i++ {
			distance.NormalizeL2InPlace(train[i*dim : (i+1)*dim])
		}
	}

	centroids, err := kmeans.Train(ctx, train, dim, p.NumPartitions, distance.MetricL2, p.MaxIter, p.Seed)
	if err != nil {
		return nil, err
	}
	if centroids == nil {
		return nil, fmt.Errorf("%w: %d rows, %d partitions", ErrInsufficientData, len(rowIDs), p.NumPartitions)
	}

	// Residuals relative to the assigned centroid are what the codebooks
	// quantize; they are much more concentrated than the raw vectors.
	assignments := make([]int, len(rowIDs))
	residuals := make([][]float32, len(rowIDs))
	for i := range rowIDs {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		vec := train[i*dim : (i+1)*dim]
		part, err := kmeans.AssignPartition(vec, centroids, dim, distance.MetricL2)
		if err != nil {
			return nil, err
		}
		assignments[i] = part

		res := make([]float32, dim)
		math32.Sub(res, vec, centroids[part*dim:(part+1)*dim])
		residuals[i] = res
	}

	if err := pq.Train(ctx, residuals, p.MaxIter, p.Seed); err != nil {
		return nil, err
	}

	partitions := make([][]entry, p.NumPartitions)
	for i, res := range residuals {
		part := assignments[i]
		partitions[part] = append(partitions[part], entry{rowID: rowIDs[i], codes: pq.Encode(res)})
	}

	idx := &Index{
		sourceVersion: sourceVersion,
		dim:           dim,
		params:        p,
		centroids:     centroids,
		pq:            pq,
		fragmentIDs:   append([]string(nil), fragmentIDs...),
		partitions:    partitions,
	}
	idx.buildCoverage()
	return idx, nil
}

func (idx *Index) buildCoverage() {
	idx.covered = make(map[string]struct{}, len(idx.fragmentIDs))
	for _, id := range idx.fragmentIDs {
		idx.covered[id] = struct{}{}
	}
}

// SourceVersion returns the table version the index was built from.
func (idx *Index) SourceVersion() uint64 { return idx.sourceVersion }

// Dimension returns the indexed vector dimension.
func (idx *Index) Dimension() int { return idx.dim }

// Metric returns the metric the index was built for.
func (idx *Index) Metric() distance.Metric { return idx.params.Metric }

// FragmentIDs returns the ids of the fragments the index covers.
func (idx *Index) FragmentIDs() []string { return idx.fragmentIDs }

// Covers reports whether the index includes the given fragment.
func (idx *Index) Covers(fragmentID string) bool {
	_, ok := idx.covered[fragmentID]
	return ok
}

// NumPartitions returns the coarse cluster count.
func (idx *Index) NumPartitions() int { return idx.params.NumPartitions }

// Size returns the number of indexed rows.
func (idx *Index) Size() int {
	n := 0
	for _, p := range idx.partitions {
		n += len(p)
	}
	return n
}

// Search returns up to limit approximate candidates from the nprobe closest
// partitions, ordered by ascending ADC distance. Distances are approximate;
// callers re-rank against full-precision vectors before returning results.
func (idx *Index) Search(query []float32, nprobe, limit int) ([]queue.Item, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(query), idx.dim)
	}
	if nprobe <= 0 {
		nprobe = 1
	}
	if limit <= 0 {
		return nil, nil
	}

	q := query
	if idx.params.Metric == distance.MetricCosine {
		if norm, ok := distance.NormalizeL2Copy(query); ok {
			q = norm
		}
	}

	probes, err := kmeans.FindClosestCentroids(q, idx.centroids, idx.dim, nprobe, distance.MetricL2)
	if err != nil {
		return nil, err
	}

	residual := make([]float32, idx.dim)
	top := queue.NewTopK(limit)
	for _, part := range probes {
		list := idx.partitions[part]
		if len(list) == 0 {
			continue
		}

		math32.Sub(residual, q, idx.centroids[part*idx.dim:(part+1)*idx.dim])
		table := idx.pq.BuildDistanceTable(residual)
		for _, e := range list {
			top.Push(queue.Item{RowID: e.rowID, Distance: idx.pq.AdcDistance(table, e.codes)})
		}
	}

	return top.Drain(), nil
}
