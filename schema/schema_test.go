package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New(
		Field{Name: "item", Type: TypeString},
		Field{Name: "n", Type: TypeInt64},
		Field{Name: "vector", Type: TypeVector, Dim: 2},
	)
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadSchemas(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
	}{
		{"empty", nil},
		{"no vector", []Field{{Name: "a", Type: TypeInt64}}},
		{"two vectors", []Field{
			{Name: "v1", Type: TypeVector, Dim: 2},
			{Name: "v2", Type: TypeVector, Dim: 2},
		}},
		{"zero dim", []Field{{Name: "v", Type: TypeVector}}},
		{"duplicate", []Field{
			{Name: "a", Type: TypeInt64},
			{Name: "a", Type: TypeString},
			{Name: "v", Type: TypeVector, Dim: 2},
		}},
		{"scalar with dim", []Field{
			{Name: "a", Type: TypeInt64, Dim: 3},
			{Name: "v", Type: TypeVector, Dim: 2},
		}},
		{"empty name", []Field{{Name: "", Type: TypeInt64}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fields...)
			assert.ErrorIs(t, err, ErrMismatch)
		})
	}
}

func TestValidate(t *testing.T) {
	s := testSchema(t)

	require.NoError(t, s.Validate(Row{"item": "fizz", "n": 1, "vector": []float32{1, 2}}))

	tests := []struct {
		name string
		row  Row
	}{
		{"missing field", Row{"item": "fizz", "vector": []float32{1, 2}}},
		{"unknown field", Row{"item": "fizz", "n": 1, "extra": true, "vector": []float32{1, 2}}},
		{"wrong type", Row{"item": 7, "n": 1, "vector": []float32{1, 2}}},
		{"wrong dimension", Row{"item": "fizz", "n": 1, "vector": []float32{1, 2, 3}}},
		{"null value", Row{"item": nil, "n": 1, "vector": []float32{1, 2}}},
		{"vector not a slice", Row{"item": "fizz", "n": 1, "vector": "oops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Validate(tt.row), ErrMismatch)
		})
	}
}

func TestInfer(t *testing.T) {
	s, err := Infer(Row{
		"item":   "fizz",
		"n":      3,
		"score":  1.5,
		"ok":     true,
		"vector": []float32{1, 2, 3},
	})
	require.NoError(t, err)

	vf := s.VectorField()
	assert.Equal(t, "vector", vf.Name)
	assert.Equal(t, 3, vf.Dim)

	// Vector column sorts last, scalars alphabetical.
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"item", "n", "ok", "score", "vector"}, names)

	_, err = Infer(Row{"bad": struct{}{}})
	assert.ErrorIs(t, err, ErrMismatch)

	_, err = Infer(nil)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestVectorExtraction(t *testing.T) {
	s := testSchema(t)
	assert.Equal(t, []float32{3, 4}, s.Vector(Row{"vector": []float32{3, 4}}))
	assert.Equal(t, []float32{3, 4}, s.Vector(Row{"vector": []float64{3, 4}}))
}

func TestScalarFields(t *testing.T) {
	s := testSchema(t)
	scalars := s.ScalarFields()
	require.Len(t, scalars, 2)
	for _, f := range scalars {
		assert.NotEqual(t, TypeVector, f.Type)
	}
}

func TestNumericHelpers(t *testing.T) {
	assert.Equal(t, int64(7), AsInt64(7))
	assert.Equal(t, int64(7), AsInt64(int32(7)))
	assert.Equal(t, int64(7), AsInt64(int64(7)))
	assert.Equal(t, 1.5, AsFloat64(1.5))
	assert.Equal(t, 1.5, AsFloat64(float32(1.5)))
}
