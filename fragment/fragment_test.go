package fragment

import (
	"context"
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
		schema.Field{Name: "score", Type: schema.TypeFloat64},
		schema.Field{Name: "ok", Type: schema.TypeBool},
		schema.Field{Name: "vector", Type: schema.TypeVector, Dim: 2},
	)
	require.NoError(t, err)
	return sch
}

func testRows() ([]uint64, []schema.Row) {
	return []uint64{10, 11, 12}, []schema.Row{
		{"item": "foo", "n": int64(1), "score": 0.5, "ok": true, "vector": []float32{1, 2}},
		{"item": "bar", "n": int64(2), "score": -3.25, "ok": false, "vector": []float32{3, 4}},
		{"item": "", "n": int64(-7), "score": 0.0, "ok": true, "vector": []float32{5, 6}},
	}
}

func openReader(t *testing.T, data []byte) *Reader {
	t.Helper()
	ctx := context.Background()

	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "frag", data))
	blob, err := store.Open(ctx, "frag")
	require.NoError(t, err)

	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	sch := testSchema(t)
	ids, rows := testRows()

	for _, compression := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(compression.String(), func(t *testing.T) {
			data, err := Encode(sch, ids, rows, WithCompression(compression))
			require.NoError(t, err)

			r := openReader(t, data)
			require.Equal(t, 3, r.RowCount())

			gotIDs, err := r.RowIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, ids, gotIDs)

			vecs, dim, err := r.Vectors(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, dim)
			assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vecs)

			gotIDs, gotRows, err := r.Rows(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, ids, gotIDs)
			require.Len(t, gotRows, 3)
			assert.Equal(t, "bar", gotRows[1]["item"])
			assert.Equal(t, int64(-7), gotRows[2]["n"])
			assert.Equal(t, -3.25, gotRows[1]["score"])
			assert.Equal(t, true, gotRows[2]["ok"])
			assert.Equal(t, []float32{1, 2}, gotRows[0]["vector"])
		})
	}
}

func TestEncodeValidation(t *testing.T) {
	sch := testSchema(t)
	ids, rows := testRows()

	_, err := Encode(sch, ids[:2], rows)
	require.Error(t, err)

	_, err = Encode(sch, nil, nil)
	require.Error(t, err)

	rows[0]["vector"] = []float32{1} // wrong dimension
	_, err = Encode(sch, ids, rows)
	require.Error(t, err)
}

func TestColumnProjection(t *testing.T) {
	ctx := context.Background()
	sch := testSchema(t)
	ids, rows := testRows()

	data, err := Encode(sch, ids, rows)
	require.NoError(t, err)
	r := openReader(t, data)

	_, projected, err := r.Rows(ctx, []string{"item"})
	require.NoError(t, err)
	require.Len(t, projected, 3)
	assert.Equal(t, schema.Row{"item": "foo"}, projected[0])

	_, _, err = r.Rows(ctx, []string{"nope"})
	require.Error(t, err)

	col, err := r.Column(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, -7}, col)
}

func TestCorruptionDetected(t *testing.T) {
	sch := testSchema(t)
	ids, rows := testRows()

	data, err := Encode(sch, ids, rows, WithCompression(CompressionNone))
	require.NoError(t, err)

	t.Run("flipped column byte", func(t *testing.T) {
		ctx := context.Background()
		bad := append([]byte(nil), data...)
		bad[headerSize+blockHeaderSize] ^= 0xFF

		r := openReader(t, bad)
		_, err := r.RowIDs(ctx)
		require.ErrorIs(t, err, ErrCorruption)
	})

	t.Run("bad magic", func(t *testing.T) {
		ctx := context.Background()
		bad := append([]byte(nil), data...)
		bad[0] = 0x00

		store := blobstore.NewMemoryStore()
		require.NoError(t, store.Put(ctx, "frag", bad))
		blob, err := store.Open(ctx, "frag")
		require.NoError(t, err)
		defer blob.Close()

		_, err = NewReader(ctx, blob)
		require.ErrorIs(t, err, ErrCorruption)
	})

	t.Run("truncated", func(t *testing.T) {
		ctx := context.Background()
		store := blobstore.NewMemoryStore()
		require.NoError(t, store.Put(ctx, "frag", data[:headerSize]))
		blob, err := store.Open(ctx, "frag")
		require.NoError(t, err)
		defer blob.Close()

		_, err = NewReader(ctx, blob)
		require.ErrorIs(t, err, ErrCorruption)
	})
}

func TestDeletionVector(t *testing.T) {
	dv := NewDeletionVector()
	dv.Delete(3)
	dv.Delete(500)
	require.True(t, dv.Contains(3))
	require.False(t, dv.Contains(4))
	require.EqualValues(t, 2, dv.Count())

	other := NewDeletionVector()
	other.Delete(4)
	dv.Union(other)
	require.True(t, dv.Contains(4))
	require.EqualValues(t, 3, dv.Count())

	encoded, err := dv.Encode()
	require.NoError(t, err)

	decoded, err := DecodeDeletionVector(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Contains(3))
	require.True(t, decoded.Contains(4))
	require.True(t, decoded.Contains(500))
	require.EqualValues(t, 3, decoded.Count())

	encoded[len(encoded)-1] ^= 0xFF
	_, err = DecodeDeletionVector(encoded)
	require.ErrorIs(t, err, ErrCorruption)
}
