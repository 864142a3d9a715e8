package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 2}, []float32{1, 2}))
	assert.Equal(t, float32(25), SquaredL2([]float32{0, 0}, []float32{3, 4}))
}

func TestCosine(t *testing.T) {
	// Identical direction -> distance 0
	assert.InDelta(t, 0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-6)
	// Orthogonal -> distance 1
	assert.InDelta(t, 1, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	// Opposite -> distance 2
	assert.InDelta(t, 2, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	// Zero vector -> max distance
	assert.Equal(t, float32(1), Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestNegativeDot(t *testing.T) {
	assert.Equal(t, float32(-32), NegativeDot([]float32{1, 2, 3}, []float32{4, 5, 6}))
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	ok := NormalizeL2InPlace(v)
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		name   string
		want   Metric
		hasErr bool
	}{
		{name: "l2", want: MetricL2},
		{name: "L2", want: MetricL2},
		{name: "euclidean", want: MetricL2},
		{name: "cosine", want: MetricCosine},
		{name: "dot", want: MetricDot},
		{name: "ip", want: MetricDot},
		{name: "hamming", hasErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.name)
		if tt.hasErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
	_, err := Provider(Metric(99))
	assert.Error(t, err)
}

func TestMetricString(t *testing.T) {
	assert.Equal(t, "l2", MetricL2.String())
	assert.Equal(t, "cosine", MetricCosine.String())
	assert.Equal(t, "dot", MetricDot.String())
}
