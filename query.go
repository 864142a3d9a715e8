package quiver

import (
	"context"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/schema"
)

const (
	// DefaultLimit is the result count when Limit is not called.
	DefaultLimit = 10
	// DefaultNProbes is the number of partitions probed on the indexed path.
	DefaultNProbes = 10
	// DefaultRefineFactor sizes the exact re-rank shortlist as a multiple of
	// the limit.
	DefaultRefineFactor = 4
)

// Result is one query hit.
type Result struct {
	// RowID is the row's stable identifier.
	RowID uint64
	// Distance is the exact distance to the query vector under the query's
	// metric. Lower is always better.
	Distance float32
	// Row holds the selected columns.
	Row schema.Row
}

// QueryBuilder assembles a vector search. Builders are immutable values:
// every method returns an updated copy, so a builder can be stored and
// reused safely.
//
//	results, err := tbl.Search(vec).Limit(5).Filter("item != 'fizz'").Execute(ctx)
type QueryBuilder struct {
	table  *Table
	vector []float32

	limit        int
	filter       string
	metric       distance.Metric
	metricSet    bool
	nprobes      int
	refineFactor int
	selectCols   []string
	postfilter   bool
	withRowID    bool
	bypassIndex  bool
}

// Search starts a query for the nearest neighbors of vector.
func (t *Table) Search(vector []float32) QueryBuilder {
	return QueryBuilder{
		table:        t,
		vector:       vector,
		limit:        DefaultLimit,
		nprobes:      DefaultNProbes,
		refineFactor: DefaultRefineFactor,
	}
}

// Limit sets the maximum number of results. Default 10.
func (q QueryBuilder) Limit(limit int) QueryBuilder {
	q.limit = limit
	return q
}

// Filter restricts results to rows matching a predicate, e.g.
// "item = 'fizz' AND n >= 3". Supports =, !=, <, <=, >, >=, IN, AND, OR,
// NOT and parentheses.
func (q QueryBuilder) Filter(predicate string) QueryBuilder {
	q.filter = predicate
	return q
}

// Metric sets the distance metric. Defaults to the index's metric when an
// index serves the query, L2 otherwise.
func (q QueryBuilder) Metric(m distance.Metric) QueryBuilder {
	q.metric = m
	q.metricSet = true
	return q
}

// NProbes sets how many partitions the indexed path probes. More probes,
// better recall, more work. Default 10.
func (q QueryBuilder) NProbes(n int) QueryBuilder {
	q.nprobes = n
	return q
}

// RefineFactor sets the exact re-rank shortlist to limit*factor candidates.
// Default 4.
func (q QueryBuilder) RefineFactor(factor int) QueryBuilder {
	q.refineFactor = factor
	return q
}

// Select restricts the columns materialized into Result.Row.
// Default: all columns.
func (q QueryBuilder) Select(columns ...string) QueryBuilder {
	q.selectCols = columns
	return q
}

// Postfilter applies the predicate after candidates take result slots
// instead of before, which is faster but may return fewer than limit rows.
// The default filters first, so matching rows are never crowded out.
func (q QueryBuilder) Postfilter() QueryBuilder {
	q.postfilter = true
	return q
}

// WithRowID includes the row id as a "_rowid" column in Result.Row.
func (q QueryBuilder) WithRowID() QueryBuilder {
	q.withRowID = true
	return q
}

// Bypass forces the exact brute-force path even when an index exists.
func (q QueryBuilder) Bypass() QueryBuilder {
	q.bypassIndex = true
	return q
}

// Execute runs the query against a single consistent snapshot and returns
// up to limit results ordered by ascending distance.
func (q QueryBuilder) Execute(ctx context.Context) ([]Result, error) {
	return q.table.execute(ctx, q)
}
