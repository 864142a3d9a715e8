// Package math32 provides float32 vector kernels used by the distance and
// quantization packages. This is an internal package - external users should
// go through the distance package.
package math32

import "math"

// Dot calculates the dot product of two vectors.
// Assumes len(a) == len(b) (caller's responsibility).
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}
	return ret
}

// SquaredL2 calculates the squared L2 (Euclidean) distance.
// Assumes len(a) == len(b) (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var distance float32
	for i := range a {
		d := a[i] - b[i]
		distance += d * d
	}
	return distance
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return Sqrt(Dot(v, v))
}

// Sqrt is a float32 square root.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// Sub writes a-b into dst. All slices must have the same length.
func Sub(dst, a, b []float32) {
	for i := range a {
		dst[i] = a[i] - b[i]
	}
}

// Add writes a+b into dst. All slices must have the same length.
func Add(dst, a, b []float32) {
	for i := range a {
		dst[i] = a[i] + b[i]
	}
}

// AdcLookup sums precomputed sub-distances for a PQ code.
// table is a flattened [m][k]float32 distance table; codes holds m byte
// indices into the k dimension.
func AdcLookup(table []float32, codes []byte, k int) float32 {
	var sum float32
	for m, c := range codes {
		sum += table[m*k+int(c)]
	}
	return sum
}
