package source

import (
	"testing"
	"time"

	"pricewatch/internal/product"
)

func TestCacheFreshness(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(10 * time.Minute)
	c.now = func() time.Time { return now }

	if _, ok := c.Get("B0CACHE001"); ok {
		t.Fatal("hit on empty cache")
	}

	c.Put(product.Snapshot{ProductID: "B0CACHE001", Price: 1999, FetchedAt: now, Available: true})
	snap, ok := c.Get("B0CACHE001")
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if snap.Price != 1999 {
		t.Fatalf("Price = %v, want 1999", snap.Price)
	}

	now = now.Add(10*time.Minute + time.Second)
	if _, ok := c.Get("B0CACHE001"); ok {
		t.Fatal("hit after TTL expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not pruned on read: Len = %d", c.Len())
	}
}

func TestCacheSetTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(time.Hour)
	c.now = func() time.Time { return now }
	c.SetTTL(time.Minute)

	c.Put(product.Snapshot{ProductID: "B0CACHE002", Price: 500, FetchedAt: now, Available: true})
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("B0CACHE002"); ok {
		t.Fatal("entry outlived the shortened TTL")
	}
}
