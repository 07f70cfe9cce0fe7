package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

// fakeDriver serves canned snapshots and records fetch traffic.
type fakeDriver struct {
	batch  int
	prices map[string]product.Cents
	errs   map[string]error

	fetches      []string
	batchFetches [][]string
}

func (d *fakeDriver) BatchSize() int { return d.batch }

func (d *fakeDriver) Fetch(_ context.Context, id string) (product.Snapshot, error) {
	d.fetches = append(d.fetches, id)
	if err, ok := d.errs[id]; ok {
		return product.Snapshot{}, err
	}
	price, ok := d.prices[id]
	if !ok {
		return product.Snapshot{}, newError(KindNotFound, id, "unknown product")
	}
	return product.Snapshot{ProductID: id, Price: price, FetchedAt: time.Now(), Available: price > 0}, nil
}

func (d *fakeDriver) FetchBatch(ctx context.Context, ids []string) (map[string]product.Snapshot, map[string]error) {
	d.batchFetches = append(d.batchFetches, ids)
	out := make(map[string]product.Snapshot, len(ids))
	errs := map[string]error{}
	for _, id := range ids {
		if err, bad := d.errs[id]; bad {
			errs[id] = err
			continue
		}
		if price, ok := d.prices[id]; ok {
			out[id] = product.Snapshot{ProductID: id, Price: price, FetchedAt: time.Now(), Available: price > 0}
		}
	}
	return out, errs
}

func (d *fakeDriver) Lookup(_ context.Context, ref string) (*Info, error) {
	return &Info{ID: "B0LOOKUP01", ExternalRef: ref, Title: "Looked up"}, nil
}

func newTestClient(drv Driver) *Client {
	// Generous budget so tests never park on a rate token.
	return NewClient(Config{RequestsPerMinute: 600, CacheTTL: time.Hour}, drv, logx.Nop())
}

func TestClientCachesFetches(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{batch: 1, prices: map[string]product.Cents{"B0CLIENT01": 4999}}
	c := newTestClient(drv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := c.Fetch(ctx, "B0CLIENT01")
		if err != nil {
			t.Fatalf("Fetch(%d): %v", i, err)
		}
		if snap.Price != 4999 {
			t.Fatalf("Price = %v, want 4999", snap.Price)
		}
	}
	if len(drv.fetches) != 1 {
		t.Fatalf("driver fetched %d times, want 1 (cache)", len(drv.fetches))
	}
}

func TestClientCapacityTracksBudget(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{RequestsPerMinute: 20}, &fakeDriver{batch: 1}, logx.Nop())
	if got := c.Capacity(); got != 20 {
		t.Fatalf("Capacity = %d, want 20", got)
	}
	c.Apply(Config{RequestsPerMinute: 5})
	if got := c.Capacity(); got != 5 {
		t.Fatalf("Capacity after Apply = %d, want 5", got)
	}
}

func TestLimiterNeverExceedsWindowBudget(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{batch: 1, prices: map[string]product.Cents{
		"B0LIMTEST1": 100, "B0LIMTEST2": 200, "B0LIMTEST3": 300,
	}}
	c := NewClient(Config{RequestsPerMinute: 2, CacheTTL: time.Nanosecond}, drv, logx.Nop())
	ctx := context.Background()

	// The full per-minute budget is available up front.
	for _, id := range []string{"B0LIMTEST1", "B0LIMTEST2"} {
		if _, err := c.Fetch(ctx, id); err != nil {
			t.Fatalf("Fetch(%s): %v", id, err)
		}
	}

	// A third grant inside the same window would exceed the budget; the next
	// token is ~30s out, so a short deadline expires instead of a fetch going
	// upstream.
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(wctx, "B0LIMTEST3")
	var se *Error
	if err == nil || !errors.As(err, &se) || se.Kind != KindTimeout {
		t.Fatalf("over-budget fetch: err = %v, want timeout waiting for a token", err)
	}
	if len(drv.fetches) != 2 {
		t.Fatalf("driver calls = %d, want 2 (budget respected)", len(drv.fetches))
	}
}

func TestFetchBatchIsolatesFailures(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{
		batch:  3,
		prices: map[string]product.Cents{"B0BATCH001": 1000, "B0BATCH003": 3000},
		errs:   map[string]error{"B0BATCH002": newError(KindDelisted, "B0BATCH002", "gone")},
	}
	c := newTestClient(drv)

	snaps, errs := c.FetchBatch(context.Background(), []string{"B0BATCH001", "B0BATCH002", "B0BATCH003"})
	if len(snaps) != 2 {
		t.Fatalf("snaps = %d, want 2", len(snaps))
	}
	var se *Error
	if err := errs["B0BATCH002"]; !errors.As(err, &se) || se.Kind != KindDelisted {
		t.Fatalf("delisted id error = %v, want KindDelisted preserved through the batch", err)
	}
	if len(drv.batchFetches) != 1 {
		t.Fatalf("driver batch calls = %d, want 1", len(drv.batchFetches))
	}
}

func TestFetchBatchGroupsByDriverSize(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{batch: 2, prices: map[string]product.Cents{
		"B0GROUP001": 1, "B0GROUP002": 2, "B0GROUP003": 3, "B0GROUP004": 4, "B0GROUP005": 5,
	}}
	c := newTestClient(drv)

	ids := []string{"B0GROUP001", "B0GROUP002", "B0GROUP003", "B0GROUP004", "B0GROUP005"}
	snaps, errs := c.FetchBatch(context.Background(), ids)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(snaps) != len(ids) {
		t.Fatalf("snaps = %d, want %d", len(snaps), len(ids))
	}
	if len(drv.batchFetches) != 3 {
		t.Fatalf("driver batch calls = %d, want 3 (2+2+1)", len(drv.batchFetches))
	}
}

func TestFetchBatchServesCacheFirst(t *testing.T) {
	t.Parallel()
	drv := &fakeDriver{batch: 2, prices: map[string]product.Cents{"B0WARM0001": 100, "B0COLD0001": 200}}
	c := newTestClient(drv)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "B0WARM0001"); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	drv.fetches = nil
	drv.batchFetches = nil

	snaps, errs := c.FetchBatch(ctx, []string{"B0WARM0001", "B0COLD0001"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(snaps) != 2 {
		t.Fatalf("snaps = %d, want 2", len(snaps))
	}
	// Only the cold id should have hit the driver.
	for _, group := range drv.batchFetches {
		for _, id := range group {
			if id == "B0WARM0001" {
				t.Fatal("cached product was fetched upstream again")
			}
		}
	}
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "rate limited", err: newError(KindRateLimited, "x", "429"), transient: true},
		{name: "timeout", err: newError(KindTimeout, "x", "deadline"), transient: true},
		{name: "unavailable", err: newError(KindUnavailable, "x", "503"), transient: true},
		{name: "unknown", err: newError(KindUnknown, "x", "???"), transient: true},
		{name: "not found", err: newError(KindNotFound, "x", "404"), transient: false},
		{name: "delisted", err: newError(KindDelisted, "x", "gone"), transient: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.transient {
				t.Fatalf("Transient = %v, want %v", got, tt.transient)
			}
		})
	}
}
