package filter

import (
	"testing"

	"github.com/quiverdb/quiver/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, input string) Expr {
	t.Helper()
	expr, err := Parse(input)
	require.NoError(t, err, input)
	return expr
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"item =",
		"= 'fizz'",
		"item 'fizz'",
		"item = 'unterminated",
		"(item = 'a'",
		"item IN 'a'",
		"item IN ('a'",
		"item = 'a' garbage",
		"n < ",
		"item ! 'a'",
	}
	for _, input := range tests {
		_, err := Parse(input)
		assert.ErrorIs(t, err, ErrSyntax, input)
	}
}

func TestComparisons(t *testing.T) {
	row := schema.Row{"item": "fizz", "n": int64(5), "score": 1.5, "active": true}

	tests := []struct {
		expr string
		want bool
	}{
		{"item = 'fizz'", true},
		{"item == 'fizz'", true},
		{"item = 'buzz'", false},
		{"item != 'buzz'", true},
		{"item <> 'fizz'", false},
		{"n = 5", true},
		{"n != 5", false},
		{"n > 4", true},
		{"n >= 5", true},
		{"n < 5", false},
		{"n <= 5", true},
		{"n > -10", true},
		{"score = 1.5", true},
		{"score < 2", true},
		{"score >= 1.5", true},
		{"active = true", true},
		{"active = false", false},
		{"item < 'g'", true},
		{"missing = 1", false},
		{"missing != 1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mustParse(t, tt.expr).Matches(row), tt.expr)
	}
}

func TestBooleanOperators(t *testing.T) {
	row := schema.Row{"item": "fizz", "n": int64(5)}

	tests := []struct {
		expr string
		want bool
	}{
		{"item = 'fizz' AND n = 5", true},
		{"item = 'fizz' AND n = 6", false},
		{"item = 'buzz' OR n = 5", true},
		{"item = 'buzz' OR n = 6", false},
		{"NOT item = 'buzz'", true},
		{"NOT (item = 'fizz' AND n = 5)", false},
		{"item = 'buzz' OR item = 'fizz' AND n = 5", true},
		{"(item = 'buzz' OR item = 'fizz') AND n = 5", true},
		{"not item = 'fizz'", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mustParse(t, tt.expr).Matches(row), tt.expr)
	}
}

func TestInExpression(t *testing.T) {
	row := schema.Row{"item": "fizz", "n": int64(7)}

	assert.True(t, mustParse(t, "item IN ('fizz', 'buzz')").Matches(row))
	assert.False(t, mustParse(t, "item IN ('foo', 'bar')").Matches(row))
	assert.True(t, mustParse(t, "n in (1, 7, 9)").Matches(row))
	assert.False(t, mustParse(t, "missing IN (1)").Matches(row))
}

func TestNumericCrossKind(t *testing.T) {
	row := schema.Row{"n": 5, "score": float32(2.5)}
	assert.True(t, mustParse(t, "n = 5").Matches(row))
	assert.True(t, mustParse(t, "n = 5.0").Matches(row))
	assert.True(t, mustParse(t, "score = 2.5").Matches(row))
	assert.True(t, mustParse(t, "score > 2").Matches(row))
}

func TestString(t *testing.T) {
	expr := mustParse(t, "item = 'fizz' AND n IN (1, 2)")
	assert.Equal(t, "(item = 'fizz' AND n IN (1, 2))", expr.String())

	expr = mustParse(t, "NOT score < 1.5")
	assert.Equal(t, "(NOT score < 1.5)", expr.String())
}

func TestDoubleQuotedStrings(t *testing.T) {
	row := schema.Row{"item": "fizz"}
	assert.True(t, mustParse(t, `item = "fizz"`).Matches(row))
}
