package quiver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/filter"
	"github.com/quiverdb/quiver/fragment"
	"github.com/quiverdb/quiver/index/ivfpq"
	"github.com/quiverdb/quiver/manifest"
	"github.com/quiverdb/quiver/schema"
)

func versionsDir(prefix string) string { return prefix + "/_versions" }
func dataDir(prefix string) string     { return prefix + "/data" }
func indexDir(prefix string) string    { return prefix + "/index" }

func nowUTC() time.Time { return time.Now().UTC() }

// Table is a handle to one table. Handles are cheap; open as many as needed.
// All methods are safe for concurrent use.
//
// A handle normally tracks the latest version. After Checkout it is pinned:
// reads see the checked-out snapshot and writes are rejected until
// CheckoutLatest.
type Table struct {
	db     *DB
	name   string
	prefix string
	log    *manifest.Log
	logger *Logger

	mu         sync.Mutex
	checkedOut *manifest.TableVersion
}

func (db *DB) newTable(name string) *Table {
	prefix := tablePrefix(name)
	return &Table{
		db:     db,
		name:   name,
		prefix: prefix,
		log:    manifest.NewLog(db.store, versionsDir(prefix)),
		logger: db.opts.logger.WithTable(name),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) pinned() *manifest.TableVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkedOut
}

// snapshot resolves the version this operation reads: the pinned version if
// checked out, the latest otherwise.
func (t *Table) snapshot(ctx context.Context) (*manifest.TableVersion, error) {
	if v := t.pinned(); v != nil {
		return v, nil
	}

	latest, err := t.log.Latest(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: table %q", ErrNotFound, t.name)
		}
		return nil, translateError(err)
	}
	if latest.Tombstone {
		return nil, fmt.Errorf("%w: table %q", ErrTableDropped, t.name)
	}
	return latest, nil
}

func (t *Table) rejectIfPinned() error {
	if v := t.pinned(); v != nil {
		return fmt.Errorf("%w: table is checked out at version %d, call CheckoutLatest before writing", ErrInvalidQuery, v.ID)
	}
	return nil
}

// Schema returns the table schema.
func (t *Table) Schema(ctx context.Context) (*schema.Schema, error) {
	v, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return v.Schema, nil
}

// CountRows returns the number of live rows.
func (t *Table) CountRows(ctx context.Context) (int, error) {
	v, err := t.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return v.RowCount(), nil
}

// Version returns the version number the handle currently reads.
func (t *Table) Version(ctx context.Context) (uint64, error) {
	v, err := t.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// Checkout pins the handle to a historical version of the current lineage.
// Reads see that snapshot; writes are rejected until CheckoutLatest.
func (t *Table) Checkout(ctx context.Context, version uint64) error {
	latest, err := t.log.Latest(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return fmt.Errorf("%w: table %q", ErrNotFound, t.name)
		}
		return translateError(err)
	}
	if latest.Tombstone {
		return fmt.Errorf("%w: table %q", ErrTableDropped, t.name)
	}

	v, err := t.log.Version(ctx, version)
	if err != nil {
		return translateError(err)
	}
	if v.Tombstone || v.Lineage != latest.Lineage {
		return fmt.Errorf("%w: version %d", ErrNotFound, version)
	}

	t.mu.Lock()
	t.checkedOut = v
	t.mu.Unlock()
	return nil
}

// CheckoutLatest unpins the handle so it tracks the latest version again.
func (t *Table) CheckoutLatest() {
	t.mu.Lock()
	t.checkedOut = nil
	t.mu.Unlock()
}

// ListVersions returns the current lineage's retained versions, oldest
// first. Versions of dropped or overwritten predecessors are not included.
func (t *Table) ListVersions(ctx context.Context) ([]*manifest.TableVersion, error) {
	snap, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	numbers, err := t.log.VersionNumbers(ctx)
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]*manifest.TableVersion, 0, len(numbers))
	for _, n := range numbers {
		if n < snap.Lineage {
			continue
		}
		v, err := t.log.Version(ctx, n)
		if err != nil {
			if errors.Is(err, manifest.ErrCorruption) || errors.Is(err, manifest.ErrNotFound) {
				continue
			}
			return nil, translateError(err)
		}
		if v.Tombstone || v.Lineage != snap.Lineage {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Insert appends rows as one new fragment and publishes a new version.
//
// Rows are validated against the schema before anything is written. On a
// publish conflict the fragment is re-encoded with fresh row ids taken from
// the new latest version and retried, up to the connection's retry budget;
// past the budget the insert fails with ErrWriteConflict and has no effect.
func (t *Table) Insert(ctx context.Context, rows []schema.Row) error {
	if err := t.rejectIfPinned(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	start := nowUTC()
	conflicts := 0
	err := t.insert(ctx, rows, &conflicts)
	t.db.opts.metricsCollector.RecordInsert(len(rows), time.Since(start), conflicts, err)
	return err
}

func (t *Table) insert(ctx context.Context, rows []schema.Row, conflicts *int) error {
	base, err := t.snapshot(ctx)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if err := base.Schema.Validate(row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	fragID := uuid.NewString()
	fragPath := path.Join(dataDir(t.prefix), fragID+fragment.FileSuffix)

	for attempt := 0; ; attempt++ {
		// Row ids come off the base version's watermark, so a lost race
		// means re-encoding with ids from the new latest.
		ids := make([]uint64, len(rows))
		for i := range ids {
			ids[i] = base.NextRowID + uint64(i)
		}

		data, err := fragment.Encode(base.Schema, ids, rows)
		if err != nil {
			return err
		}
		if err := t.db.store.Put(ctx, fragPath, data); err != nil {
			return err
		}

		v := base.Next()
		v.Fragments = append(v.Fragments, manifest.FragmentRef{
			ID:       fragID,
			Path:     fragPath,
			RowCount: len(rows),
		})
		v.NextRowID += uint64(len(rows))

		err = t.log.Publish(ctx, v)
		if err == nil {
			t.logger.LogInsert(ctx, len(rows), v.ID, nil)
			return nil
		}
		if !errors.Is(err, manifest.ErrConflict) {
			return translateError(err)
		}

		*conflicts++
		t.logger.LogPublish(ctx, v.ID, attempt+1, err)
		if attempt+1 >= t.db.opts.conflictRetries {
			// Give up; remove the unpublished fragment.
			_ = t.db.store.Delete(ctx, fragPath)
			err = fmt.Errorf("%w: insert lost %d publish races", ErrWriteConflict, attempt+1)
			t.logger.LogInsert(ctx, len(rows), 0, err)
			return err
		}

		base, err = t.snapshot(ctx)
		if err != nil {
			_ = t.db.store.Delete(ctx, fragPath)
			return err
		}
	}
}

// Delete marks all rows matching the predicate as deleted and publishes a
// new version. Returns the number of rows deleted. Fragments are never
// rewritten; deletions land in per-fragment roaring bitmaps.
func (t *Table) Delete(ctx context.Context, predicate string) (int, error) {
	if err := t.rejectIfPinned(); err != nil {
		return 0, err
	}

	expr, err := filter.Parse(predicate)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	start := nowUTC()
	deleted, err := t.delete(ctx, predicate, expr)
	t.db.opts.metricsCollector.RecordDelete(deleted, time.Since(start), err)
	return deleted, err
}

func (t *Table) delete(ctx context.Context, predicate string, expr filter.Expr) (int, error) {
	for attempt := 0; ; attempt++ {
		base, err := t.snapshot(ctx)
		if err != nil {
			return 0, err
		}

		v := base.Next()
		total := 0
		for i, ref := range v.Fragments {
			updated, n, err := t.deleteInFragment(ctx, base.Schema, ref, expr)
			if err != nil {
				return 0, err
			}
			if n > 0 {
				v.Fragments[i] = updated
				total += n
			}
		}

		if total == 0 {
			// Nothing matched; no version to publish.
			t.logger.LogDelete(ctx, predicate, 0, base.ID, nil)
			return 0, nil
		}

		err = t.log.Publish(ctx, v)
		if err == nil {
			t.logger.LogDelete(ctx, predicate, total, v.ID, nil)
			return total, nil
		}
		if !errors.Is(err, manifest.ErrConflict) {
			return 0, translateError(err)
		}

		t.logger.LogPublish(ctx, v.ID, attempt+1, err)
		if attempt+1 >= t.db.opts.conflictRetries {
			err = fmt.Errorf("%w: delete lost %d publish races", ErrWriteConflict, attempt+1)
			t.logger.LogDelete(ctx, predicate, 0, 0, err)
			return 0, err
		}
	}
}

// deleteInFragment evaluates the predicate against one fragment's live rows
// and, when any match, writes a new deletion vector holding the union of old
// and new deletions.
func (t *Table) deleteInFragment(ctx context.Context, sch *schema.Schema, ref manifest.FragmentRef, expr filter.Expr) (manifest.FragmentRef, int, error) {
	blob, err := t.db.store.Open(ctx, ref.Path)
	if err != nil {
		return ref, 0, translateError(err)
	}
	reader, err := fragment.NewReader(ctx, blob)
	if err != nil {
		blob.Close()
		return ref, 0, translateError(err)
	}
	defer reader.Close()

	scalars := make([]string, 0, len(sch.Fields))
	for _, f := range sch.ScalarFields() {
		scalars = append(scalars, f.Name)
	}

	ids, rows, err := reader.Rows(ctx, scalars)
	if err != nil {
		return ref, 0, translateError(err)
	}

	dv, err := t.loadDeletionVector(ctx, ref)
	if err != nil {
		return ref, 0, err
	}

	matched := 0
	for i, id := range ids {
		if dv.Contains(id) {
			continue
		}
		if expr.Matches(rows[i]) {
			dv.Delete(id)
			matched++
		}
	}
	if matched == 0 {
		return ref, 0, nil
	}

	encoded, err := dv.Encode()
	if err != nil {
		return ref, 0, err
	}
	delPath := path.Join(dataDir(t.prefix), uuid.NewString()+fragment.DeletionSuffix)
	if err := t.db.store.Put(ctx, delPath, encoded); err != nil {
		return ref, 0, err
	}

	ref.DeletionPath = delPath
	ref.DeletedCount = dv.Count()
	return ref, matched, nil
}

func (t *Table) loadDeletionVector(ctx context.Context, ref manifest.FragmentRef) (*fragment.DeletionVector, error) {
	if ref.DeletionPath == "" {
		return fragment.NewDeletionVector(), nil
	}
	data, err := blobstore.Get(ctx, t.db.store, ref.DeletionPath)
	if err != nil {
		return nil, translateError(err)
	}
	dv, err := fragment.DecodeDeletionVector(data)
	if err != nil {
		return nil, translateError(err)
	}
	return dv, nil
}

// CreateIndex builds an IVF-PQ index from the current snapshot and persists
// it as an immutable artifact. The build is deterministic for a given
// snapshot, parameters and seed, runs in a bounded build slot, and reads
// through the connection's IO budget. Rows inserted after the snapshot are
// served by the exact tail scan until the index is rebuilt.
func (t *Table) CreateIndex(ctx context.Context, params ivfpq.Params) error {
	if err := t.db.ctrl.AcquireBuild(ctx); err != nil {
		return err
	}
	defer t.db.ctrl.ReleaseBuild()

	start := nowUTC()
	snap, err := t.snapshot(ctx)
	if err != nil {
		return err
	}

	rows, err := t.buildIndex(ctx, snap, params)
	took := time.Since(start)
	t.db.opts.metricsCollector.RecordIndexBuild(rows, took, err)
	t.logger.LogIndexBuild(ctx, snap.ID, rows, took, err)
	return err
}

func (t *Table) buildIndex(ctx context.Context, snap *manifest.TableVersion, params ivfpq.Params) (int, error) {
	dim := snap.Schema.VectorField().Dim

	memBytes := int64(snap.RowCount()) * int64(dim) * 4
	if err := t.db.ctrl.AcquireMemory(ctx, memBytes); err != nil {
		return 0, err
	}
	defer t.db.ctrl.ReleaseMemory(memBytes)

	vectors := make([]float32, 0, snap.RowCount()*dim)
	rowIDs := make([]uint64, 0, snap.RowCount())
	fragmentIDs := make([]string, 0, len(snap.Fragments))

	for _, ref := range snap.Fragments {
		ids, vecs, err := t.readLiveVectors(ctx, ref, dim)
		if err != nil {
			return 0, err
		}
		vectors = append(vectors, vecs...)
		rowIDs = append(rowIDs, ids...)
		fragmentIDs = append(fragmentIDs, ref.ID)
	}

	idx, err := ivfpq.Build(ctx, params, snap.ID, dim, vectors, rowIDs, fragmentIDs)
	if err != nil {
		return 0, translateError(err)
	}

	data, err := idx.Encode()
	if err != nil {
		return 0, err
	}
	return len(rowIDs), t.db.background.Put(ctx, ivfpq.ArtifactName(t.prefix, snap.ID), data)
}

// readLiveVectors reads one fragment's non-deleted row ids and vectors
// through the throttled store.
func (t *Table) readLiveVectors(ctx context.Context, ref manifest.FragmentRef, dim int) ([]uint64, []float32, error) {
	blob, err := t.db.background.Open(ctx, ref.Path)
	if err != nil {
		return nil, nil, translateError(err)
	}
	reader, err := fragment.NewReader(ctx, blob)
	if err != nil {
		blob.Close()
		return nil, nil, translateError(err)
	}
	defer reader.Close()

	ids, err := reader.RowIDs(ctx)
	if err != nil {
		return nil, nil, translateError(err)
	}
	vecs, vdim, err := reader.Vectors(ctx)
	if err != nil {
		return nil, nil, translateError(err)
	}
	if vdim != dim {
		return nil, nil, &ErrDimensionMismatch{Expected: dim, Actual: vdim}
	}

	if ref.DeletionPath == "" {
		return ids, vecs, nil
	}

	dv, err := t.loadDeletionVector(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	liveIDs := make([]uint64, 0, len(ids))
	liveVecs := make([]float32, 0, len(vecs))
	for i, id := range ids {
		if dv.Contains(id) {
			continue
		}
		liveIDs = append(liveIDs, id)
		liveVecs = append(liveVecs, vecs[i*dim:(i+1)*dim]...)
	}
	return liveIDs, liveVecs, nil
}

// loadIndex resolves the newest artifact usable for the snapshot: built at
// or before it, and within the staleness horizon when one is configured.
// Returns nil when no usable artifact exists.
func (t *Table) loadIndex(ctx context.Context, snap *manifest.TableVersion) (*ivfpq.Index, error) {
	names, err := t.db.store.List(ctx, indexDir(t.prefix)+"/")
	if err != nil {
		return nil, err
	}

	best := uint64(0)
	found := false
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasPrefix(base, "IVFPQ-") || !strings.HasSuffix(base, ".qix") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, "IVFPQ-"), ".qix"), 10, 64)
		if err != nil || n > snap.ID || n < snap.Lineage {
			continue
		}
		if t.db.opts.indexStaleness > 0 && snap.ID-n > t.db.opts.indexStaleness {
			continue
		}
		if n >= best {
			best = n
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	idx, err := ivfpq.Load(ctx, t.db.store, ivfpq.ArtifactName(t.prefix, best))
	if err != nil {
		if errors.Is(err, ivfpq.ErrCorruption) || errors.Is(err, blobstore.ErrNotFound) {
			// A bad artifact degrades to a full scan rather than failing
			// the query.
			t.logger.WarnContext(ctx, "ignoring unreadable index artifact", "source_version", best, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return idx, nil
}

// CleanupOldVersions removes versions older than the keepLast newest ones,
// along with fragments, deletion vectors and index artifacts only those
// versions reference. Returns the number of versions and blobs removed.
// Handles checked out to a removed version will fail on their next read.
func (t *Table) CleanupOldVersions(ctx context.Context, keepLast int) (int, int, error) {
	if keepLast < 1 {
		keepLast = 1
	}

	versionsRemoved, blobsRemoved, err := t.cleanup(ctx, keepLast)
	t.logger.LogCleanup(ctx, versionsRemoved, blobsRemoved, err)
	return versionsRemoved, blobsRemoved, err
}

func (t *Table) cleanup(ctx context.Context, keepLast int) (int, int, error) {
	numbers, err := t.log.VersionNumbers(ctx)
	if err != nil {
		return 0, 0, translateError(err)
	}
	if len(numbers) <= keepLast {
		return 0, 0, nil
	}

	cut := len(numbers) - keepLast
	removable, kept := numbers[:cut], numbers[cut:]

	// Paths referenced by surviving versions stay, whatever else happens.
	referenced := make(map[string]struct{})
	lineage := uint64(0)
	for _, n := range kept {
		v, err := t.log.Version(ctx, n)
		if err != nil {
			return 0, 0, translateError(err)
		}
		lineage = v.Lineage
		for _, ref := range v.Fragments {
			referenced[ref.Path] = struct{}{}
			if ref.DeletionPath != "" {
				referenced[ref.DeletionPath] = struct{}{}
			}
		}
	}

	candidates := make(map[string]struct{})
	versionsRemoved := 0
	for _, n := range removable {
		v, err := t.log.Version(ctx, n)
		if err == nil {
			for _, ref := range v.Fragments {
				candidates[ref.Path] = struct{}{}
				if ref.DeletionPath != "" {
					candidates[ref.DeletionPath] = struct{}{}
				}
			}
		} else if !errors.Is(err, manifest.ErrCorruption) && !errors.Is(err, manifest.ErrNotFound) {
			return versionsRemoved, 0, translateError(err)
		}

		if err := t.log.Delete(ctx, n); err != nil {
			return versionsRemoved, 0, translateError(err)
		}
		versionsRemoved++
	}

	blobsRemoved := 0
	paths := make([]string, 0, len(candidates))
	for p := range candidates {
		if _, keep := referenced[p]; !keep {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := t.db.background.Delete(ctx, p); err != nil {
			return versionsRemoved, blobsRemoved, translateError(err)
		}
		blobsRemoved++
	}

	// Artifacts built from removed versions are superseded whenever a newer
	// artifact exists; keep only the newest of the current lineage.
	n, err := t.cleanupArtifacts(ctx, lineage)
	return versionsRemoved, blobsRemoved + n, err
}

func (t *Table) cleanupArtifacts(ctx context.Context, lineage uint64) (int, error) {
	names, err := t.db.store.List(ctx, indexDir(t.prefix)+"/")
	if err != nil {
		return 0, err
	}

	type artifact struct {
		name    string
		version uint64
	}
	var stale []string
	var artifacts []artifact
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasPrefix(base, "IVFPQ-") || !strings.HasSuffix(base, ".qix") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, "IVFPQ-"), ".qix"), 10, 64)
		if err != nil {
			continue
		}
		if v < lineage {
			// Built by a dropped or overwritten predecessor.
			stale = append(stale, name)
			continue
		}
		artifacts = append(artifacts, artifact{name: name, version: v})
	}

	if len(artifacts) > 1 {
		sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].version < artifacts[j].version })
		for _, a := range artifacts[:len(artifacts)-1] {
			stale = append(stale, a.name)
		}
	}

	removed := 0
	for _, name := range stale {
		if err := t.db.background.Delete(ctx, name); err != nil {
			return removed, translateError(err)
		}
		removed++
	}
	return removed, nil
}
