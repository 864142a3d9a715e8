package filter

import (
	"fmt"
	"strings"

	"github.com/quiverdb/quiver/schema"
)

type andExpr struct{ left, right Expr }

func (e *andExpr) Matches(row schema.Row) bool {
	return e.left.Matches(row) && e.right.Matches(row)
}

func (e *andExpr) String() string {
	return fmt.Sprintf("(%s AND %s)", e.left, e.right)
}

type orExpr struct{ left, right Expr }

func (e *orExpr) Matches(row schema.Row) bool {
	return e.left.Matches(row) || e.right.Matches(row)
}

func (e *orExpr) String() string {
	return fmt.Sprintf("(%s OR %s)", e.left, e.right)
}

type notExpr struct{ inner Expr }

func (e *notExpr) Matches(row schema.Row) bool {
	return !e.inner.Matches(row)
}

func (e *notExpr) String() string {
	return fmt.Sprintf("(NOT %s)", e.inner)
}

type cmpExpr struct {
	field string
	op    string
	value any
}

func (e *cmpExpr) Matches(row schema.Row) bool {
	v, ok := row[e.field]
	if !ok {
		return false
	}

	switch e.op {
	case "=":
		return equal(v, e.value)
	case "!=":
		return !equal(v, e.value)
	case "<", "<=", ">", ">=":
		c, ok := compare(v, e.value)
		if !ok {
			return false
		}
		switch e.op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		default:
			return c >= 0
		}
	default:
		return false
	}
}

func (e *cmpExpr) String() string {
	return fmt.Sprintf("%s %s %s", e.field, e.op, renderValue(e.value))
}

type inExpr struct {
	field  string
	values []any
}

func (e *inExpr) Matches(row schema.Row) bool {
	v, ok := row[e.field]
	if !ok {
		return false
	}
	for _, candidate := range e.values {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

func (e *inExpr) String() string {
	parts := make([]string, len(e.values))
	for i, v := range e.values {
		parts[i] = renderValue(v)
	}
	return fmt.Sprintf("%s IN (%s)", e.field, strings.Join(parts, ", "))
}

// equal compares a row value with a literal. Numbers compare across int and
// float kinds; other types must match exactly.
func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		ai, aInt := asInt(a)
		bi, bInt := asInt(b)
		if aInt && bInt {
			return ai == bi
		}
		return asFloat(a) == asFloat(b)
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// compare orders two numeric values; strings order lexically.
func compare(a, b any) (int, bool) {
	if isNumber(a) && isNumber(b) {
		af, bf := asFloat(a), asFloat(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func asInt(v any) (int64, bool) {
	switch v.(type) {
	case int, int32, int64:
		return schema.AsInt64(v), true
	default:
		return 0, false
	}
}

func asFloat(v any) float64 {
	if i, ok := asInt(v); ok {
		return float64(i)
	}
	return schema.AsFloat64(v)
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprintf("%v", v)
}
