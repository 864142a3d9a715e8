package queue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopKBasic(t *testing.T) {
	tk := NewTopK(3)
	for i, d := range []float32{5, 1, 4, 2, 3} {
		tk.Push(Item{RowID: uint64(i), Distance: d})
	}

	got := tk.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, float32(1), got[0].Distance)
	assert.Equal(t, float32(2), got[1].Distance)
	assert.Equal(t, float32(3), got[2].Distance)
}

func TestTopKFewerThanK(t *testing.T) {
	tk := NewTopK(10)
	tk.Push(Item{RowID: 1, Distance: 2})
	tk.Push(Item{RowID: 2, Distance: 1})

	got := tk.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].RowID)
}

func TestTopKThreshold(t *testing.T) {
	tk := NewTopK(2)
	_, ok := tk.Threshold()
	assert.False(t, ok)

	tk.Push(Item{RowID: 1, Distance: 5})
	tk.Push(Item{RowID: 2, Distance: 3})
	th, ok := tk.Threshold()
	require.True(t, ok)
	assert.Equal(t, float32(5), th)

	assert.False(t, tk.Push(Item{RowID: 3, Distance: 9}))
	assert.True(t, tk.Push(Item{RowID: 4, Distance: 1}))
	th, _ = tk.Threshold()
	assert.Equal(t, float32(3), th)
}

func TestTopKZero(t *testing.T) {
	tk := NewTopK(0)
	assert.False(t, tk.Push(Item{RowID: 1, Distance: 1}))
	assert.Empty(t, tk.Drain())
}

func TestTopKMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n, k = 1000, 25

	tk := NewTopK(k)
	all := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		d := rng.Float32()
		all = append(all, d)
		tk.Push(Item{RowID: uint64(i), Distance: d})
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	got := tk.Drain()
	require.Len(t, got, k)
	for i := range got {
		assert.Equal(t, all[i], got[i].Distance)
	}
}
