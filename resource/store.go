package resource

import (
	"context"

	"github.com/quiverdb/quiver/blobstore"
)

// ThrottledStore wraps a BlobStore so that background work (index builds,
// vacuum) draws its reads and writes from the controller's IO budget.
// Foreground queries use the unwrapped store.
type ThrottledStore struct {
	inner blobstore.BlobStore
	ctrl  *Controller
}

// NewThrottledStore wraps inner with the controller's IO limit.
func NewThrottledStore(inner blobstore.BlobStore, ctrl *Controller) *ThrottledStore {
	return &ThrottledStore{inner: inner, ctrl: ctrl}
}

// Open opens a blob; reads through it are throttled.
func (s *ThrottledStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &throttledBlob{Blob: b, ctrl: s.ctrl}, nil
}

// Put writes a blob after the IO budget admits its size.
func (s *ThrottledStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.ctrl.AcquireIO(ctx, len(data)); err != nil {
		return err
	}
	return s.inner.Put(ctx, name, data)
}

// PutIfAbsent writes a blob conditionally after the IO budget admits it.
func (s *ThrottledStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if err := s.ctrl.AcquireIO(ctx, len(data)); err != nil {
		return err
	}
	return s.inner.PutIfAbsent(ctx, name, data)
}

// Delete removes a blob.
func (s *ThrottledStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// List returns the names of all blobs with the given prefix.
func (s *ThrottledStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type throttledBlob struct {
	blobstore.Blob
	ctrl *Controller
}

func (b *throttledBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := b.ctrl.AcquireIO(ctx, len(p)); err != nil {
		return 0, err
	}
	return b.Blob.ReadAt(ctx, p, off)
}
