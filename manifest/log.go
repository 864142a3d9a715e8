package manifest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/codec"
)

// entryPrefix is the shared name prefix of version entries under the log's
// directory. Entries are zero-padded so lexicographic order matches numeric
// order in List results.
const entryPrefix = "MANIFEST-"

// Log is the append-only version log of one table, stored as numbered
// immutable entries in a blobstore.
//
// Publication relies entirely on the store's PutIfAbsent: no locks, no
// leader. Log carries no mutable state and is safe for concurrent use.
type Log struct {
	store blobstore.BlobStore
	dir   string
	codec codec.Codec
}

// NewLog creates a version log rooted at dir within the store.
func NewLog(store blobstore.BlobStore, dir string) *Log {
	return &Log{store: store, dir: dir, codec: codec.Default}
}

func (l *Log) key(version uint64) string {
	return path.Join(l.dir, fmt.Sprintf("%s%010d", entryPrefix, version))
}

// Publish writes v as version v.ID. Exactly one concurrent Publish of a
// given ID succeeds; the rest get ErrConflict.
func (l *Log) Publish(ctx context.Context, v *TableVersion) error {
	if v.ID == 0 {
		return errors.New("version ids start at 1")
	}

	data, err := l.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version %d: %w", v.ID, err)
	}

	err = l.store.PutIfAbsent(ctx, l.key(v.ID), data)
	if errors.Is(err, blobstore.ErrAlreadyExists) {
		return fmt.Errorf("%w: version %d", ErrConflict, v.ID)
	}
	return err
}

// Version reads one version by number.
func (l *Log) Version(ctx context.Context, version uint64) (*TableVersion, error) {
	data, err := blobstore.Get(ctx, l.store, l.key(version))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, version)
	}
	if err != nil {
		return nil, err
	}

	var v TableVersion
	if err := l.codec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: version %d: %v", ErrCorruption, version, err)
	}
	if v.ID != version {
		return nil, fmt.Errorf("%w: entry %d claims id %d", ErrCorruption, version, v.ID)
	}
	return &v, nil
}

// Latest returns the newest decodable version. Only the newest entry may be
// skipped when it fails to decode: a writer crashing mid-publish can leave
// at most one torn entry, and it is necessarily the tail. An undecodable
// entry below the tail is real corruption and surfaces as ErrCorruption.
// Returns ErrNotFound on an empty log.
func (l *Log) Latest(ctx context.Context) (*TableVersion, error) {
	numbers, err := l.VersionNumbers(ctx)
	if err != nil {
		return nil, err
	}

	var tornTail error
	for i := len(numbers) - 1; i >= 0; i-- {
		v, err := l.Version(ctx, numbers[i])
		if err == nil {
			return v, nil
		}
		switch {
		case errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, ErrNotFound):
			// Raced a retention delete between listing and reading.
			continue
		case errors.Is(err, ErrCorruption):
			if tornTail != nil {
				return nil, err
			}
			tornTail = err
		default:
			return nil, err
		}
	}

	if tornTail != nil {
		return nil, tornTail
	}
	return nil, ErrNotFound
}

// VersionNumbers lists all present version numbers in ascending order.
func (l *Log) VersionNumbers(ctx context.Context) ([]uint64, error) {
	names, err := l.store.List(ctx, l.dir+"/")
	if err != nil {
		return nil, err
	}

	numbers := make([]uint64, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasPrefix(base, entryPrefix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(base, entryPrefix), 10, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

// Delete removes one version entry. Used by retention cleanup only; the
// entry's fragments must no longer be referenced exclusively by it.
func (l *Log) Delete(ctx context.Context, version uint64) error {
	return l.store.Delete(ctx, l.key(version))
}
