// Package kmeans implements seeded k-means clustering.
//
// Used by the IVF-PQ index builder to learn coarse partition centroids and,
// per sub-vector slot, the product-quantization codebooks.
package kmeans

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/quiverdb/quiver/distance"
)

// checkEvery controls how often the training loop polls ctx.
const checkEvery = 64

// Train learns k centroids from the given flattened vectors (n*dim) using
// Lloyd's algorithm and returns them flattened (k*dim).
//
// The same vectors, parameters and seed always produce the same centroids,
// which is what makes index builds reproducible. Returns nil centroids when
// there are fewer vectors than clusters.
func Train(ctx context.Context, vectors []float32, dim, k int, metric distance.Metric, maxIter int, seed int64) ([]float32, error) {
	n := len(vectors) / dim
	if n < k {
		return nil, nil
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			if i%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}

			vec := vectors[i*dim : (i+1)*dim]
			best := nearest(vec, centroids, dim, k, distFunc)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				reseedEmpty(j, centroids, vectors, assignments, counts, dim, distFunc)
			}
		}
	}

	return centroids, nil
}

// reseedEmpty moves centroid j onto the member of the most populated cluster
// that lies farthest from its own centroid. Deterministic, and it splits the
// heaviest cluster instead of leaving a degenerate empty partition.
func reseedEmpty(j int, centroids, vectors []float32, assignments, counts []int, dim int, distFunc distance.Func) {
	biggest := 0
	for c, cnt := range counts {
		if cnt > counts[biggest] {
			biggest = c
		}
	}
	if counts[biggest] == 0 {
		return
	}

	center := centroids[biggest*dim : (biggest+1)*dim]
	farIdx, farDist := -1, float32(-1)
	for i, a := range assignments {
		if a != biggest {
			continue
		}
		d := distFunc(vectors[i*dim:(i+1)*dim], center)
		if d > farDist {
			farDist = d
			farIdx = i
		}
	}
	if farIdx < 0 {
		return
	}

	copy(centroids[j*dim:(j+1)*dim], vectors[farIdx*dim:(farIdx+1)*dim])
	counts[biggest]--
	counts[j]++
	assignments[farIdx] = j
}

func nearest(vec, centroids []float32, dim, k int, distFunc distance.Func) int {
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distFunc(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// AssignPartition finds the nearest centroid for a vector.
func AssignPartition(vec, centroids []float32, dim int, metric distance.Metric) (int, error) {
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}
	return nearest(vec, centroids, dim, len(centroids)/dim, distFunc), nil
}

type centroidDist struct {
	id   int
	dist float32
}

// FindClosestCentroids returns the indices of the n closest centroids to the
// query vector, ordered ascending by distance.
func FindClosestCentroids(query, centroids []float32, dim, n int, metric distance.Metric) ([]int, error) {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		dists[i] = centroidDist{id: i, dist: distFunc(query, centroids[i*dim:(i+1)*dim])}
	}

	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}
	return result, nil
}
