package source

import (
	"sync"
	"time"

	"pricewatch/internal/product"
)

// Cache holds the most recent snapshot per product for a freshness window.
// It is advisory only: a miss always falls through to the upstream client.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time

	puts int
}

type cacheEntry struct {
	snap      product.Snapshot
	expiresAt time.Time
}

const defaultCacheTTL = 30 * time.Minute

// Expired entries across the whole map are swept every sweepEvery puts.
const sweepEvery = 256

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
		now:     time.Now,
	}
}

// Get returns the cached snapshot if it is still fresh.
func (c *Cache) Get(productID string) (product.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[productID]
	if !ok {
		return product.Snapshot{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, productID)
		return product.Snapshot{}, false
	}
	return e.snap, true
}

func (c *Cache) Put(snap product.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[snap.ProductID] = cacheEntry{snap: snap, expiresAt: c.now().Add(c.ttl)}
	c.puts++
	if c.puts%sweepEvery == 0 {
		now := c.now()
		for id, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, id)
			}
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetTTL applies a new freshness window to future puts.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}
