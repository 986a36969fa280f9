// Package chunkcache implements the bounded, concurrency-safe cache of
// decrypted chunk envelopes that sits between the tree reader and the blob
// store, coalescing concurrent fetches of the same address into one.
package chunkcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

// FetchFunc retrieves and decrypts the chunk at addr on a cache miss.
type FetchFunc func(ctx context.Context, addr chunkaddr.Address) ([]byte, error)

// Cache is the capability the tree reader depends on: look up addr, falling
// back to fetch on a miss, coalescing concurrent misses for the same
// address into a single call to fetch.
type Cache interface {
	Fetch(ctx context.Context, addr chunkaddr.Address, fetch FetchFunc) ([]byte, error)
}

type entry struct {
	addr chunkaddr.Address
	data []byte
}

// pending is the one-shot broadcast a cache miss installs while its fetch
// is in flight; concurrent callers for the same address subscribe to done
// instead of issuing their own fetch.
type pending struct {
	done chan struct{}
	data []byte
	err  error
}

// MemoryCache is a fixed-entry-count, least-recently-used cache of decrypted
// chunk plaintexts, safe for concurrent use. Capacity is a count of entries,
// not bytes, per the spec's sizing model.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[chunkaddr.Address]*list.Element
	pending  map[chunkaddr.Address]*pending
}

// NewMemoryCache returns a cache holding at most capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[chunkaddr.Address]*list.Element),
		pending:  make(map[chunkaddr.Address]*pending),
	}
}

// Fetch implements Cache. Lock discipline follows the spec exactly: the
// mutex is never held across the call to fetch. A failed fetch does not
// poison the address -- the pending slot is removed regardless of outcome,
// so the next caller retries from scratch.
func (c *MemoryCache) Fetch(ctx context.Context, addr chunkaddr.Address, fetch FetchFunc) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.index[addr]; ok {
		c.order.MoveToFront(el)
		data := el.Value.(*entry).data
		c.mu.Unlock()
		return data, nil
	}
	if p, ok := c.pending[addr]; ok {
		c.mu.Unlock()
		<-p.done
		return p.data, p.err
	}

	p := &pending{done: make(chan struct{})}
	c.pending[addr] = p
	c.mu.Unlock()

	data, err := fetch(ctx, addr)

	c.mu.Lock()
	delete(c.pending, addr)
	if err == nil {
		c.insertLocked(addr, data)
	}
	c.mu.Unlock()

	p.data, p.err = data, err
	close(p.done)
	return data, err
}

func (c *MemoryCache) insertLocked(addr chunkaddr.Address, data []byte) {
	if el, ok := c.index[addr]; ok {
		c.order.MoveToFront(el)
		el.Value.(*entry).data = data
		return
	}
	el := c.order.PushFront(&entry{addr: addr, data: data})
	c.index[addr] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).addr)
	}
}

// Len reports the number of entries currently cached. Intended for tests.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
