// Package schema describes the typed shape of a table: scalar columns plus
// exactly one fixed-dimension vector column.
//
// Rows are plain maps; validation is strict. Unknown fields, missing fields
// and type mismatches are rejected rather than coerced, so a bad insert fails
// before any bytes are written.
package schema

import (
	"errors"
	"fmt"
)

// ErrMismatch is the sentinel wrapped by all validation failures.
var ErrMismatch = errors.New("schema mismatch")

// DataType is the storage type of a column.
type DataType uint8

const (
	TypeInt64 DataType = iota + 1
	TypeFloat64
	TypeString
	TypeBool
	TypeVector
)

func (t DataType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeVector:
		return "vector"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Field is one column descriptor. Dim is set only for TypeVector.
type Field struct {
	Name string   `json:"name"`
	Type DataType `json:"type"`
	Dim  int      `json:"dim,omitempty"`
}

// Schema is an ordered set of fields with exactly one vector column.
type Schema struct {
	Fields []Field `json:"fields"`
}

// Row is one record as supplied by the caller: field name -> value.
// The vector column holds a []float32.
type Row map[string]any

// New builds a schema and checks its internal consistency.
func New(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema has no fields", ErrMismatch)
	}

	seen := make(map[string]struct{}, len(fields))
	vectors := 0
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field with empty name", ErrMismatch)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrMismatch, f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Type {
		case TypeVector:
			vectors++
			if f.Dim <= 0 {
				return nil, fmt.Errorf("%w: vector field %q has invalid dimension %d", ErrMismatch, f.Name, f.Dim)
			}
		case TypeInt64, TypeFloat64, TypeString, TypeBool:
			if f.Dim != 0 {
				return nil, fmt.Errorf("%w: scalar field %q must not declare a dimension", ErrMismatch, f.Name)
			}
		default:
			return nil, fmt.Errorf("%w: field %q has unknown type", ErrMismatch, f.Name)
		}
	}
	if vectors != 1 {
		return nil, fmt.Errorf("%w: schema must have exactly one vector field, got %d", ErrMismatch, vectors)
	}

	return &Schema{Fields: fields}, nil
}

// Infer derives a schema from a sample row. Go integer values become int64
// fields, floating-point values float64, and the []float32 value becomes
// the vector column.
func Infer(sample Row) (*Schema, error) {
	if len(sample) == 0 {
		return nil, fmt.Errorf("%w: cannot infer schema from empty row", ErrMismatch)
	}

	fields := make([]Field, 0, len(sample))
	for name, v := range sample {
		switch val := v.(type) {
		case []float32:
			fields = append(fields, Field{Name: name, Type: TypeVector, Dim: len(val)})
		case int, int32, int64:
			fields = append(fields, Field{Name: name, Type: TypeInt64})
		case float32, float64:
			fields = append(fields, Field{Name: name, Type: TypeFloat64})
		case string:
			fields = append(fields, Field{Name: name, Type: TypeString})
		case bool:
			fields = append(fields, Field{Name: name, Type: TypeBool})
		default:
			return nil, fmt.Errorf("%w: cannot infer type of field %q from %T", ErrMismatch, name, v)
		}
	}

	sortFields(fields)
	return New(fields...)
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// VectorField returns the single vector column.
func (s *Schema) VectorField() Field {
	for _, f := range s.Fields {
		if f.Type == TypeVector {
			return f
		}
	}
	// New() guarantees a vector field exists.
	panic("schema: no vector field")
}

// ScalarFields returns all non-vector columns in schema order.
func (s *Schema) ScalarFields() []Field {
	out := make([]Field, 0, len(s.Fields)-1)
	for _, f := range s.Fields {
		if f.Type != TypeVector {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks one row against the schema: every schema field present with
// the right type, no extra fields, vector dimension exact.
func (s *Schema) Validate(row Row) error {
	for _, f := range s.Fields {
		v, ok := row[f.Name]
		if !ok {
			return fmt.Errorf("%w: missing field %q", ErrMismatch, f.Name)
		}
		if err := checkValue(f, v); err != nil {
			return err
		}
	}
	for name := range row {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("%w: unknown field %q", ErrMismatch, name)
		}
	}
	return nil
}

// Vector extracts the row's vector column as []float32.
// The row must have been validated.
func (s *Schema) Vector(row Row) []float32 {
	v := row[s.VectorField().Name]
	switch val := v.(type) {
	case []float32:
		return val
	case []float64:
		out := make([]float32, len(val))
		for i, x := range val {
			out[i] = float32(x)
		}
		return out
	default:
		return nil
	}
}

func checkValue(f Field, v any) error {
	if v == nil {
		return fmt.Errorf("%w: field %q is null", ErrMismatch, f.Name)
	}

	switch f.Type {
	case TypeInt64:
		switch v.(type) {
		case int, int32, int64:
			return nil
		}
	case TypeFloat64:
		switch v.(type) {
		case float32, float64:
			return nil
		}
	case TypeString:
		if _, ok := v.(string); ok {
			return nil
		}
	case TypeBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case TypeVector:
		dim := -1
		switch vec := v.(type) {
		case []float32:
			dim = len(vec)
		case []float64:
			dim = len(vec)
		}
		if dim < 0 {
			break
		}
		if dim != f.Dim {
			return fmt.Errorf("%w: field %q expects dimension %d, got %d", ErrMismatch, f.Name, f.Dim, dim)
		}
		return nil
	}
	return fmt.Errorf("%w: field %q expects %s, got %T", ErrMismatch, f.Name, f.Type, v)
}

// AsInt64 normalizes a validated int column value.
func AsInt64(v any) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	default:
		return 0
	}
}

// AsFloat64 normalizes a validated float column value.
func AsFloat64(v any) float64 {
	switch val := v.(type) {
	case float32:
		return float64(val)
	case float64:
		return val
	default:
		return 0
	}
}

func sortFields(fields []Field) {
	// Vector column last, scalars alphabetical: stable layout independent of
	// map iteration order.
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && less(fields[j], fields[j-1]); j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
}

func less(a, b Field) bool {
	if (a.Type == TypeVector) != (b.Type == TypeVector) {
		return b.Type == TypeVector
	}
	return a.Name < b.Name
}
