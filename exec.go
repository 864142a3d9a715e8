package quiver

import (
	"context"
	"fmt"
	"time"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/filter"
	"github.com/quiverdb/quiver/fragment"
	"github.com/quiverdb/quiver/index/ivfpq"
	"github.com/quiverdb/quiver/internal/queue"
	"github.com/quiverdb/quiver/manifest"
	"github.com/quiverdb/quiver/schema"
	"golang.org/x/sync/errgroup"
)

// scanConcurrency bounds parallel fragment reads per query.
const scanConcurrency = 8

// fragScan is one fragment opened for query execution. Only row ids and the
// deletion bitmap are decoded up front; vector and scalar columns are
// decoded lazily, per fragment, the first time the query needs them. An
// indexed query with no filter therefore decodes vectors only for fragments
// holding shortlist hits or sitting outside the index's coverage, and
// scalars only for the fragments the final results come from.
type fragScan struct {
	ref        manifest.FragmentRef
	reader     *fragment.Reader
	ids        []uint64
	del        *fragment.DeletionVector
	byID       map[uint64]int
	dim        int
	vecCol     string
	scalarCols []string

	vecs []float32
	rows []schema.Row
}

// vectors decodes the fragment's vector column on first use.
func (f *fragScan) vectors(ctx context.Context) ([]float32, error) {
	if f.vecs == nil {
		vecs, dim, err := f.reader.Vectors(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		if dim != f.dim {
			return nil, &ErrDimensionMismatch{Expected: f.dim, Actual: dim}
		}
		f.vecs = vecs
	}
	return f.vecs, nil
}

func (f *fragScan) vector(ctx context.Context, ordinal int) ([]float32, error) {
	vecs, err := f.vectors(ctx)
	if err != nil {
		return nil, err
	}
	return vecs[ordinal*f.dim : (ordinal+1)*f.dim], nil
}

// scalars decodes the fragment's scalar columns on first use.
func (f *fragScan) scalars(ctx context.Context) ([]schema.Row, error) {
	if f.rows == nil {
		_, rows, err := f.reader.Rows(ctx, f.scalarCols)
		if err != nil {
			return nil, translateError(err)
		}
		f.rows = rows
	}
	return f.rows, nil
}

func (f *fragScan) live(ordinal int) bool {
	return f.del == nil || !f.del.Contains(f.ids[ordinal])
}

func (f *fragScan) close() {
	f.reader.Close()
}

// admitFunc decides whether a row may take a result slot.
type admitFunc func(ctx context.Context, scan *fragScan, ordinal int) (bool, error)

func (t *Table) execute(ctx context.Context, q QueryBuilder) ([]Result, error) {
	start := time.Now()
	results, indexed, err := t.doExecute(ctx, q)
	took := time.Since(start)
	t.db.opts.metricsCollector.RecordSearch(q.limit, len(results), indexed, took, err)
	t.logger.LogSearch(ctx, q.limit, len(results), indexed, took, err)
	return results, err
}

func (t *Table) doExecute(ctx context.Context, q QueryBuilder) ([]Result, bool, error) {
	if q.limit <= 0 {
		return nil, false, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}
	if q.nprobes <= 0 {
		return nil, false, fmt.Errorf("%w: nprobes must be positive", ErrInvalidQuery)
	}
	if q.refineFactor < 1 {
		return nil, false, fmt.Errorf("%w: refine factor must be at least 1", ErrInvalidQuery)
	}

	// The snapshot is resolved once; everything below reads that version.
	snap, err := t.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	dim := snap.Schema.VectorField().Dim
	if len(q.vector) != dim {
		return nil, false, &ErrDimensionMismatch{Expected: dim, Actual: len(q.vector)}
	}

	var expr filter.Expr
	if q.filter != "" {
		expr, err = filter.Parse(q.filter)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	}

	if err := validateSelect(snap.Schema, q.selectCols); err != nil {
		return nil, false, err
	}

	var idx *ivfpq.Index
	if !q.bypassIndex {
		idx, err = t.loadIndex(ctx, snap)
		if err != nil {
			return nil, false, err
		}
		// An artifact built for a different metric cannot shortlist for
		// this query; fall back to the exact path.
		if idx != nil && q.metricSet && q.metric != idx.Metric() {
			idx = nil
		}
	}

	metric := distance.MetricL2
	switch {
	case q.metricSet:
		metric = q.metric
	case idx != nil:
		metric = idx.Metric()
	}
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, false, err
	}

	scans, err := t.scanFragments(ctx, snap)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		for _, scan := range scans {
			scan.close()
		}
	}()

	// A candidate may take a result slot only if it is live and, unless
	// postfiltering was requested, matches the predicate.
	admit := func(ctx context.Context, scan *fragScan, ordinal int) (bool, error) {
		if !scan.live(ordinal) {
			return false, nil
		}
		if expr == nil || q.postfilter {
			return true, nil
		}
		rows, err := scan.scalars(ctx)
		if err != nil {
			return false, err
		}
		return expr.Matches(rows[ordinal]), nil
	}

	top := queue.NewTopK(q.limit)
	indexed := false

	if idx != nil {
		indexed = true
		if err := t.indexedSearch(ctx, q, idx, scans, distFunc, admit, top); err != nil {
			return nil, false, err
		}
	} else {
		if err := bruteForce(ctx, q.vector, scans, nil, distFunc, admit, top); err != nil {
			return nil, false, err
		}
	}

	results, err := materialize(ctx, q, scans, top.Drain())
	if err != nil {
		return nil, false, err
	}
	if q.postfilter && expr != nil {
		filtered := results[:0]
		for _, r := range results {
			ok, err := exprMatchesResult(ctx, expr, scans, r)
			if err != nil {
				return nil, false, err
			}
			if ok {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return results, indexed, nil
}

// indexedSearch re-ranks the ADC shortlist exactly, then brute-forces the
// fragments the artifact does not cover so fresh rows are never missed.
// Exact vectors are fetched only for fragments with shortlist hits and for
// the uncovered tail; the bulk of covered rows is never decoded.
func (t *Table) indexedSearch(ctx context.Context, q QueryBuilder, idx *ivfpq.Index, scans []*fragScan, distFunc distance.Func, admit admitFunc, top *queue.TopK) error {
	shortlist := q.limit * q.refineFactor
	candidates, err := idx.Search(q.vector, q.nprobes, shortlist)
	if err != nil {
		return err
	}

	covered := make([]*fragScan, 0, len(scans))
	var tail []*fragScan
	for _, scan := range scans {
		if idx.Covers(scan.ref.ID) {
			covered = append(covered, scan)
		} else {
			tail = append(tail, scan)
		}
	}

	for _, cand := range candidates {
		scan, ordinal, ok := resolve(covered, cand.RowID)
		if !ok {
			// Vacuumed away since the build.
			continue
		}
		admitted, err := admit(ctx, scan, ordinal)
		if err != nil {
			return err
		}
		if !admitted {
			// Deleted since the build, or filtered out.
			continue
		}
		v, err := scan.vector(ctx, ordinal)
		if err != nil {
			return err
		}
		top.Push(queue.Item{RowID: cand.RowID, Distance: distFunc(q.vector, v)})
	}

	return bruteForce(ctx, q.vector, tail, idx, distFunc, admit, top)
}

// bruteForce scores every admissible row of the given fragments exactly.
// When idx is non-nil, rows the index already covers are skipped so they are
// not scored twice.
func bruteForce(ctx context.Context, query []float32, scans []*fragScan, idx *ivfpq.Index, distFunc distance.Func, admit admitFunc, top *queue.TopK) error {
	for _, scan := range scans {
		if idx != nil && idx.Covers(scan.ref.ID) {
			continue
		}
		vecs, err := scan.vectors(ctx)
		if err != nil {
			return err
		}
		for ordinal := range scan.ids {
			admitted, err := admit(ctx, scan, ordinal)
			if err != nil {
				return err
			}
			if !admitted {
				continue
			}
			top.Push(queue.Item{
				RowID:    scan.ids[ordinal],
				Distance: distFunc(query, vecs[ordinal*scan.dim:(ordinal+1)*scan.dim]),
			})
		}
	}
	return nil
}

func resolve(scans []*fragScan, rowID uint64) (*fragScan, int, bool) {
	for _, scan := range scans {
		if ordinal, ok := scan.byID[rowID]; ok {
			return scan, ordinal, true
		}
	}
	return nil, 0, false
}

// scanFragments opens the snapshot's fragments concurrently, decoding row
// ids and deletion vectors only.
func (t *Table) scanFragments(ctx context.Context, snap *manifest.TableVersion) ([]*fragScan, error) {
	dim := snap.Schema.VectorField().Dim
	vecCol := snap.Schema.VectorField().Name
	scalarFields := snap.Schema.ScalarFields()
	scalarCols := make([]string, 0, len(scalarFields))
	for _, f := range scalarFields {
		scalarCols = append(scalarCols, f.Name)
	}

	scans := make([]*fragScan, len(snap.Fragments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, ref := range snap.Fragments {
		i, ref := i, ref
		g.Go(func() error {
			scan, err := t.scanFragment(gctx, ref, dim, vecCol, scalarCols)
			if err != nil {
				return err
			}
			scans[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, scan := range scans {
			if scan != nil {
				scan.close()
			}
		}
		return nil, err
	}
	return scans, nil
}

func (t *Table) scanFragment(ctx context.Context, ref manifest.FragmentRef, dim int, vecCol string, scalarCols []string) (*fragScan, error) {
	blob, err := t.db.store.Open(ctx, ref.Path)
	if err != nil {
		return nil, translateError(err)
	}
	reader, err := fragment.NewReader(ctx, blob)
	if err != nil {
		blob.Close()
		return nil, translateError(err)
	}

	ids, err := reader.RowIDs(ctx)
	if err != nil {
		reader.Close()
		return nil, translateError(err)
	}

	scan := &fragScan{
		ref:        ref,
		reader:     reader,
		ids:        ids,
		dim:        dim,
		vecCol:     vecCol,
		scalarCols: scalarCols,
		byID:       make(map[uint64]int, len(ids)),
	}
	for ordinal, id := range ids {
		scan.byID[id] = ordinal
	}

	if ref.DeletionPath != "" {
		scan.del, err = t.loadDeletionVector(ctx, ref)
		if err != nil {
			reader.Close()
			return nil, err
		}
	}
	return scan, nil
}

func materialize(ctx context.Context, q QueryBuilder, scans []*fragScan, items []queue.Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	for _, it := range items {
		scan, ordinal, ok := resolve(scans, it.RowID)
		if !ok {
			continue
		}
		rows, err := scan.scalars(ctx)
		if err != nil {
			return nil, err
		}

		src := rows[ordinal]
		var row schema.Row
		if q.selectCols == nil {
			row = make(schema.Row, len(src)+2)
			for k, v := range src {
				row[k] = v
			}
			v, err := scan.vector(ctx, ordinal)
			if err != nil {
				return nil, err
			}
			row[scan.vecCol] = v
		} else {
			row = make(schema.Row, len(q.selectCols)+1)
			for _, col := range q.selectCols {
				if col == scan.vecCol {
					v, err := scan.vector(ctx, ordinal)
					if err != nil {
						return nil, err
					}
					row[col] = v
					continue
				}
				row[col] = src[col]
			}
		}
		if q.withRowID {
			row[fragment.RowIDColumn] = it.RowID
		}

		results = append(results, Result{RowID: it.RowID, Distance: it.Distance, Row: row})
	}
	return results, nil
}

func exprMatchesResult(ctx context.Context, expr filter.Expr, scans []*fragScan, r Result) (bool, error) {
	scan, ordinal, ok := resolve(scans, r.RowID)
	if !ok {
		return false, nil
	}
	rows, err := scan.scalars(ctx)
	if err != nil {
		return false, err
	}
	return expr.Matches(rows[ordinal]), nil
}

func validateSelect(sch *schema.Schema, columns []string) error {
	for _, col := range columns {
		if _, ok := sch.Field(col); !ok {
			return fmt.Errorf("%w: unknown column %q", ErrInvalidQuery, col)
		}
	}
	return nil
}
