// Package blobstore abstracts the byte store underneath tables: a flat
// namespace of immutable blobs with atomic publication.
//
// Two primitives carry all of the engine's consistency guarantees:
//
//   - Put is an atomic overwrite: readers see the old bytes or the new bytes,
//     never a mix.
//   - PutIfAbsent is an atomic claim: exactly one concurrent writer of a given
//     name succeeds, the rest get ErrAlreadyExists. The manifest log builds
//     its compare-and-publish on this.
//
// Blobs, once written, are never modified; an interrupted write leaves at
// worst an orphaned object that nothing references.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrAlreadyExists is returned by PutIfAbsent when the name is taken.
var ErrAlreadyExists = errors.New("blob already exists")

// BlobStore is an abstraction for accessing immutable data blobs.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes a blob atomically, replacing any previous bytes.
	Put(ctx context.Context, name string, data []byte) error

	// PutIfAbsent writes a blob only if the name is unused.
	// Returns ErrAlreadyExists otherwise.
	PutIfAbsent(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes starting at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// Mappable is an optional interface for Blobs that expose their bytes
// without copying. The slice is valid until the Blob is closed.
type Mappable interface {
	Bytes() ([]byte, error)
}

// ReadAll reads a whole blob into memory.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		data, err := m.Bytes()
		if err == nil {
			out := make([]byte, len(data))
			copy(out, data)
			return out, nil
		}
	}

	out := make([]byte, b.Size())
	n, err := b.ReadAt(ctx, out, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out[:n], nil
}

// Get opens, fully reads and closes the named blob.
func Get(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return ReadAll(ctx, b)
}
