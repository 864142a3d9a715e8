// Package quantization implements product quantization for vector compression.
//
// The IVF-PQ index stores one byte per sub-vector instead of 4*dim bytes per
// vector. Queries score candidates with asymmetric distance computation (ADC):
// the query stays full precision and distances are summed from a precomputed
// per-sub-vector lookup table.
package quantization

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/quiverdb/quiver/internal/math32"
)

// ProductQuantizer splits vectors into sub-vectors and quantizes each slot
// independently against its own k-means codebook.
type ProductQuantizer struct {
	numSubvectors int           // M
	numCentroids  int           // K, <= 256 so codes fit one byte
	dimension     int           // D
	subvectorDim  int           // D/M
	codebooks     [][][]float32 // [M][K][D/M]
	trained       bool
}

// NewProductQuantizer creates an untrained quantizer.
// dimension must be divisible by numSubvectors; numCentroids is capped at 256
// so each sub-vector encodes into a single byte.
func NewProductQuantizer(dimension, numSubvectors, numCentroids int) (*ProductQuantizer, error) {
	if numSubvectors <= 0 || dimension%numSubvectors != 0 {
		return nil, errors.New("dimension must be divisible by numSubvectors")
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, errors.New("numCentroids must be in [1, 256] for byte codes")
	}

	return &ProductQuantizer{
		numSubvectors: numSubvectors,
		numCentroids:  numCentroids,
		dimension:     dimension,
		subvectorDim:  dimension / numSubvectors,
		codebooks:     make([][][]float32, numSubvectors),
	}, nil
}

// Train learns one codebook per sub-vector slot from the training vectors
// (typically residuals). The seed makes training reproducible.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32, maxIter int, seed int64) error {
	if len(vectors) == 0 {
		return errors.New("no vectors provided for training")
	}
	if len(vectors[0]) != pq.dimension {
		return errors.New("training vector dimension mismatch")
	}
	if maxIter <= 0 {
		maxIter = 20
	}

	rng := rand.New(rand.NewSource(seed))

	for m := 0; m < pq.numSubvectors; m++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := m * pq.subvectorDim
		end := start + pq.subvectorDim
		subvectors := make([][]float32, len(vectors))
		for i, vec := range vectors {
			subvectors[i] = vec[start:end]
		}

		pq.codebooks[m] = kmeansPP(rng, subvectors, pq.numCentroids, maxIter)
	}

	pq.trained = true
	return nil
}

// Encode quantizes a vector into M byte codes.
func (pq *ProductQuantizer) Encode(vec []float32) []byte {
	if !pq.trained {
		panic("quantization: ProductQuantizer not trained")
	}
	if len(vec) != pq.dimension {
		panic("quantization: vector dimension mismatch")
	}

	codes := make([]byte, pq.numSubvectors)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		codes[m] = uint8(nearestCentroid(vec[start:start+pq.subvectorDim], pq.codebooks[m]))
	}
	return codes
}

// Decode reconstructs an approximate vector from PQ codes.
func (pq *ProductQuantizer) Decode(codes []byte) []float32 {
	if !pq.trained {
		panic("quantization: ProductQuantizer not trained")
	}
	if len(codes) != pq.numSubvectors {
		panic("quantization: invalid code length")
	}

	out := make([]float32, pq.dimension)
	for m, c := range codes {
		start := m * pq.subvectorDim
		copy(out[start:start+pq.subvectorDim], pq.codebooks[m][c])
	}
	return out
}

// BuildDistanceTable precomputes squared distances from the query to every
// centroid. The result is a flattened M*K table indexed as table[m*K+k].
func (pq *ProductQuantizer) BuildDistanceTable(query []float32) []float32 {
	if len(query) != pq.dimension {
		panic("quantization: query dimension mismatch")
	}

	table := make([]float32, pq.numSubvectors*pq.numCentroids)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		sub := query[start : start+pq.subvectorDim]
		for k := 0; k < pq.numCentroids; k++ {
			table[m*pq.numCentroids+k] = math32.SquaredL2(sub, pq.codebooks[m][k])
		}
	}
	return table
}

// AdcDistance sums the precomputed sub-distances for one code sequence.
func (pq *ProductQuantizer) AdcDistance(table []float32, codes []byte) float32 {
	if len(codes) != pq.numSubvectors {
		panic("quantization: codes length mismatch")
	}
	return math32.AdcLookup(table, codes, pq.numCentroids)
}

// NumSubvectors returns M.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.numSubvectors }

// NumCentroids returns K.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// Dimension returns D.
func (pq *ProductQuantizer) Dimension() int { return pq.dimension }

// IsTrained reports whether codebooks have been learned or loaded.
func (pq *ProductQuantizer) IsTrained() bool { return pq.trained }

// Codebooks returns the learned codebooks, shaped [M][K][D/M].
func (pq *ProductQuantizer) Codebooks() [][][]float32 { return pq.codebooks }

// SetCodebooks installs codebooks loaded from a persisted index artifact.
func (pq *ProductQuantizer) SetCodebooks(codebooks [][][]float32) {
	pq.codebooks = codebooks
	pq.trained = true
}

// kmeansPP runs k-means with k-means++ seeding on sub-vectors.
func kmeansPP(rng *rand.Rand, vectors [][]float32, k, maxIters int) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
	}

	if len(vectors) < k {
		// Not enough data; cycle the samples so every slot has a centroid.
		for i := range centroids {
			copy(centroids[i], vectors[i%len(vectors)])
		}
		return centroids
	}

	copy(centroids[0], vectors[rng.Intn(len(vectors))])

	minDistSq := make([]float32, len(vectors))
	var sum float32
	for i, vec := range vectors {
		d := math32.SquaredL2(vec, centroids[0])
		minDistSq[i] = d
		sum += d
	}

	for c := 1; c < k; c++ {
		if sum == 0 {
			copy(centroids[c], vectors[rng.Intn(len(vectors))])
			continue
		}

		target := rng.Float32() * sum
		var cumsum float32
		chosen := 0
		for i, d := range minDistSq {
			cumsum += d
			if cumsum >= target {
				chosen = i
				break
			}
		}
		copy(centroids[c], vectors[chosen])

		sum = 0
		for i, vec := range vectors {
			if d := math32.SquaredL2(vec, centroids[c]); d < minDistSq[i] {
				minDistSq[i] = d
			}
			sum += minDistSq[i]
		}
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			nearest := nearestCentroid(vec, centroids)
			if assignments[i] != nearest {
				changed = true
				assignments[i] = nearest
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		sums := make([]float32, k*dim)
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for j, val := range vec {
				sums[c*dim+j] += val
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			inv := 1 / float32(counts[c])
			for j := range centroids[c] {
				centroids[c][j] = sums[c*dim+j] * inv
			}
		}
	}

	return centroids
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	minDist := float32(math.MaxFloat32)
	nearest := 0
	for i, centroid := range centroids {
		if d := math32.SquaredL2(vec, centroid); d < minDist {
			minDist = d
			nearest = i
		}
	}
	return nearest
}
