package blobstore

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/quiverdb/quiver/cache"
	"golang.org/x/sync/errgroup"
)

// CachingStore wraps a BlobStore with block-level read caching.
// Intended for remote backends; local mmap stores gain nothing from it.
type CachingStore struct {
	inner     BlobStore
	cache     *cache.LRU
	blockSize int64
}

// NewCachingStore creates a CachingStore.
// blockSize defaults to 64KB if <= 0.
func NewCachingStore(inner BlobStore, lru *cache.LRU, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = 64 << 10
	}
	return &CachingStore{inner: inner, cache: lru, blockSize: blockSize}
}

// Open opens a blob whose reads go through the block cache.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachingBlob{inner: b, cache: s.cache, name: name, blockSize: s.blockSize}, nil
}

// Put invalidates cached blocks for the name and writes through.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

// PutIfAbsent writes through; a fresh name has nothing cached.
func (s *CachingStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	return s.inner.PutIfAbsent(ctx, name, data)
}

// Delete invalidates cached blocks for the name and deletes through.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// List passes through.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(k cache.Key) bool {
		return strings.HasPrefix(k.Path, name)
	})
}

type cachingBlob struct {
	inner     Blob
	cache     *cache.LRU
	name      string
	blockSize int64

	mu sync.Mutex // serializes cache fills for this handle
}

func (b *cachingBlob) Size() int64 { return b.inner.Size() }

func (b *cachingBlob) Close() error { return b.inner.Close() }

func (b *cachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	size := b.inner.Size()
	startBlock := off / b.blockSize
	endBlock := (off + int64(len(p)) - 1) / b.blockSize

	blocks, err := b.fetchBlocks(ctx, startBlock, endBlock, size)
	if err != nil {
		return 0, err
	}

	total := 0
	for blk := startBlock; blk <= endBlock; blk++ {
		data := blocks[blk-startBlock]
		blkStart := blk * b.blockSize

		from := int64(0)
		if off > blkStart {
			from = off - blkStart
		}
		if from >= int64(len(data)) {
			break
		}
		total += copy(p[total:], data[from:])
	}

	if off+int64(total) >= size && total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// fetchBlocks returns the requested block range, filling cache misses from
// the inner blob. Misses are fetched concurrently.
func (b *cachingBlob) fetchBlocks(ctx context.Context, start, end, size int64) ([][]byte, error) {
	out := make([][]byte, end-start+1)
	g, gctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	for blk := start; blk <= end; blk++ {
		key := cache.Key{Path: b.name, Block: blk}
		if data, ok := b.cache.Get(key); ok {
			out[blk-start] = data
			continue
		}

		blk := blk
		g.Go(func() error {
			blkStart := blk * b.blockSize
			if blkStart >= size {
				out[blk-start] = nil
				return nil
			}
			blkLen := b.blockSize
			if blkStart+blkLen > size {
				blkLen = size - blkStart
			}

			buf := make([]byte, blkLen)
			if _, err := b.inner.ReadAt(gctx, buf, blkStart); err != nil {
				return err
			}
			b.cache.Add(key, buf)
			out[blk-start] = buf
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
