package quiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/blobstore/s3"
	"github.com/quiverdb/quiver/cache"
	"github.com/quiverdb/quiver/manifest"
	"github.com/quiverdb/quiver/resource"
	"github.com/quiverdb/quiver/schema"
)

// tableSuffix namespaces each table's objects under "<name>.table/".
const tableSuffix = ".table"

// DB is a connection to a quiver database: a blobstore holding any number of
// independently versioned tables. DB carries no mutable state beyond caches
// and is safe for concurrent use; multiple processes may share one location.
type DB struct {
	store      blobstore.BlobStore // foreground reads and writes
	background blobstore.BlobStore // throttled, for builds and cleanup
	opts       options
	ctrl       *resource.Controller
}

// Connect opens a database at the given location:
//
//	/path/to/db          local filesystem directory
//	memory://            ephemeral in-memory store
//	s3://bucket/prefix   S3 (credentials from the default AWS chain)
//
// For other backends, wrap the store yourself and use ConnectStore.
func Connect(ctx context.Context, location string, optFns ...Option) (*DB, error) {
	switch {
	case location == "memory://" || location == "memory:":
		return ConnectStore(blobstore.NewMemoryStore(), optFns...), nil

	case strings.HasPrefix(location, "s3://"):
		rest := strings.TrimPrefix(location, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("%w: missing bucket in %q", ErrInvalidQuery, location)
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awss3.NewFromConfig(cfg)
		return ConnectStore(s3.NewStore(client, bucket, prefix), optFns...), nil

	default:
		store, err := blobstore.NewLocalStore(location)
		if err != nil {
			return nil, err
		}
		return ConnectStore(store, optFns...), nil
	}
}

// ConnectStore opens a database over an existing blobstore.
func ConnectStore(store blobstore.BlobStore, optFns ...Option) *DB {
	opts := applyOptions(optFns)

	if opts.blockCacheBytes > 0 {
		store = blobstore.NewCachingStore(store, cache.NewLRU(opts.blockCacheBytes), 0)
	}

	ctrl := resource.NewController(opts.resourceConfig)
	return &DB{
		store:      store,
		background: resource.NewThrottledStore(store, ctrl),
		opts:       opts,
		ctrl:       ctrl,
	}
}

func tablePrefix(name string) string {
	return name + tableSuffix
}

func validTableName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalidQuery, name)
	}
	return nil
}

// CreateOption configures CreateTable.
type CreateOption func(*createOptions)

type createOptions struct {
	overwrite bool
}

// WithOverwrite replaces an existing table of the same name instead of
// failing with ErrAlreadyExists. The old lineage's data stays on disk until
// retention cleanup reclaims it.
func WithOverwrite() CreateOption {
	return func(o *createOptions) { o.overwrite = true }
}

// CreateTable creates a new table with the given schema and publishes its
// empty genesis version. Recreating a dropped or overwritten name starts a
// new lineage in the same version number space, one past the old latest, so
// in-flight writers of the old lineage lose their publish race instead of
// resurrecting it.
func (db *DB) CreateTable(ctx context.Context, name string, sch *schema.Schema, optFns ...CreateOption) (*Table, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	if sch == nil || len(sch.Fields) == 0 {
		return nil, fmt.Errorf("%w: schema required", ErrSchemaMismatch)
	}

	var co createOptions
	for _, fn := range optFns {
		fn(&co)
	}

	log := manifest.NewLog(db.store, versionsDir(tablePrefix(name)))

	for attempt := 0; attempt < db.opts.conflictRetries; attempt++ {
		genesis := &manifest.TableVersion{
			ID:        1,
			CreatedAt: nowUTC(),
			Schema:    sch,
			NextRowID: 1,
		}

		existing, err := log.Latest(ctx)
		switch {
		case err == nil:
			if !existing.Tombstone && !co.overwrite {
				return nil, fmt.Errorf("%w: table %q", ErrAlreadyExists, name)
			}
			genesis.ID = existing.ID + 1
		case errors.Is(err, manifest.ErrNotFound):
			// Fresh name.
		default:
			return nil, translateError(err)
		}
		genesis.Lineage = genesis.ID

		err = log.Publish(ctx, genesis)
		if err == nil {
			db.opts.logger.WithTable(name).InfoContext(ctx, "table created",
				"version", genesis.ID, "dimension", sch.VectorField().Dim)
			return db.newTable(name), nil
		}
		if !errors.Is(err, manifest.ErrConflict) {
			return nil, translateError(err)
		}
		// A straggler of the old lineage (or a concurrent create) claimed
		// the slot; re-resolve latest and try the next one.
	}

	return nil, fmt.Errorf("%w: create table %q", ErrWriteConflict, name)
}

// CreateTableFromRows infers a schema from the first row, creates the table
// and inserts the rows.
func (db *DB) CreateTableFromRows(ctx context.Context, name string, rows []schema.Row, optFns ...CreateOption) (*Table, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: cannot infer schema from no rows", ErrSchemaMismatch)
	}

	sch, err := schema.Infer(rows[0])
	if err != nil {
		return nil, err
	}

	tbl, err := db.CreateTable(ctx, name, sch, optFns...)
	if err != nil {
		return nil, err
	}
	if err := tbl.Insert(ctx, rows); err != nil {
		return nil, err
	}
	return tbl, nil
}

// OpenTable opens an existing table. Returns ErrNotFound if the table does
// not exist or has been dropped.
func (db *DB) OpenTable(ctx context.Context, name string) (*Table, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}

	log := manifest.NewLog(db.store, versionsDir(tablePrefix(name)))
	latest, err := log.Latest(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: table %q", ErrNotFound, name)
		}
		return nil, translateError(err)
	}
	if latest.Tombstone {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, name)
	}

	return db.newTable(name), nil
}

// DropTable drops a table by publishing a tombstone version, which fences
// concurrent writers and ends the lineage. No data is removed: readers
// checked out to retained versions keep working, and the lineage's blobs are
// reclaimed later by CleanupOldVersions once the name is recreated.
func (db *DB) DropTable(ctx context.Context, name string) error {
	if err := validTableName(name); err != nil {
		return err
	}

	prefix := tablePrefix(name)
	log := manifest.NewLog(db.store, versionsDir(prefix))

	for attempt := 0; attempt < db.opts.conflictRetries; attempt++ {
		latest, err := log.Latest(ctx)
		if err != nil {
			if errors.Is(err, manifest.ErrNotFound) {
				return fmt.Errorf("%w: table %q", ErrNotFound, name)
			}
			return translateError(err)
		}
		if latest.Tombstone {
			return fmt.Errorf("%w: table %q", ErrNotFound, name)
		}

		tomb := latest.Next()
		tomb.Fragments = nil
		tomb.Tombstone = true
		err = log.Publish(ctx, tomb)
		if err == nil {
			db.opts.logger.WithTable(name).InfoContext(ctx, "table dropped", "version", tomb.ID)
			return nil
		}
		if !errors.Is(err, manifest.ErrConflict) {
			return translateError(err)
		}
		db.opts.logger.WithTable(name).LogPublish(ctx, tomb.ID, attempt+1, err)
	}

	return fmt.Errorf("%w: drop table %q", ErrWriteConflict, name)
}

// TableNames lists the live tables, sorted.
func (db *DB) TableNames(ctx context.Context) ([]string, error) {
	keys, err := db.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var names []string
	for _, key := range keys {
		dir, _, ok := strings.Cut(key, "/")
		if !ok || !strings.HasSuffix(dir, tableSuffix) {
			continue
		}
		name := strings.TrimSuffix(dir, tableSuffix)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		latest, err := manifest.NewLog(db.store, versionsDir(dir)).Latest(ctx)
		if err != nil || latest.Tombstone {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

