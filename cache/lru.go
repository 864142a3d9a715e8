// Package cache provides a byte-bounded LRU block cache.
//
// Used by blobstore.CachingStore to keep hot fragment and index blocks in
// memory when the backing store is remote (S3, MinIO).
package cache

import (
	"container/list"
	"sync"
)

// Key identifies one cached block of a blob.
type Key struct {
	Path  string
	Block int64
}

// LRU is a thread-safe least-recently-used cache bounded by total byte size.
type LRU struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	order    *list.List
	entries  map[Key]*list.Element
}

type entry struct {
	key  Key
	data []byte
}

// NewLRU creates a cache holding at most maxBytes of block data.
func NewLRU(maxBytes int64) *LRU {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &LRU{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
	}
}

// Get returns the cached block and marks it recently used.
// The returned slice must not be modified.
func (c *LRU) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Add inserts a block, evicting least-recently-used blocks as needed.
// Blocks larger than the cache are not stored.
func (c *LRU) Add(key Key, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.curBytes += int64(len(data)) - int64(len(el.Value.(*entry).data))
		el.Value.(*entry).data = data
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(&entry{key: key, data: data})
		c.curBytes += int64(len(data))
	}

	for c.curBytes > c.maxBytes {
		c.evictOldest()
	}
}

// Invalidate removes all blocks for which match returns true.
func (c *LRU) Invalidate(match func(Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if match(key) {
			c.curBytes -= int64(len(el.Value.(*entry).data))
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached blocks.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the total cached byte count.
func (c *LRU) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *LRU) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.curBytes -= int64(len(e.data))
	c.order.Remove(el)
	delete(c.entries, e.key)
}
