// Package source wraps the upstream pricing API behind a token-bucket rate
// limit and a short-lived snapshot cache. Everything the monitor fetches,
// scheduled or user-initiated, flows through Client.
package source

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

// Info is the product metadata returned by the add-flow lookup.
type Info struct {
	ID           string
	ExternalRef  string
	Title        string
	ImageRef     string
	CurrentPrice product.Cents
	AllTimeMin   product.Cents
	History      []product.PricePoint
}

// Driver is one upstream implementation (JSON API or HTML scrape).
//
// FetchBatch may be called with up to BatchSize ids and consumes one rate
// token for the whole call. Drivers that cannot batch report BatchSize 1.
// Failures are reported per id so a delisted product in a batch keeps its
// error kind; a call-level failure maps to every requested id.
type Driver interface {
	Fetch(ctx context.Context, productID string) (product.Snapshot, error)
	FetchBatch(ctx context.Context, productIDs []string) (map[string]product.Snapshot, map[string]error)
	Lookup(ctx context.Context, externalRef string) (*Info, error)
	BatchSize() int
}

// Config controls the client wrapper.
type Config struct {
	RequestsPerMinute int
	CacheTTL          time.Duration
}

// Client is the rate-limited, caching price source client.
//
// The limiter grants tokens FIFO (rate.Limiter semantics): a caller blocks in
// Wait until a token is available or its ctx deadline elapses. Calls are
// never silently dropped.
type Client struct {
	drv     Driver
	limiter *rate.Limiter
	cache   *Cache
	log     logx.Logger
}

func NewClient(cfg Config, drv Driver, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	return &Client{
		drv: drv,
		// Capacity equals the published per-minute budget; refill is spread
		// across the minute so we never burst past the upstream window.
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		cache:   NewCache(cfg.CacheTTL),
		log:     log,
	}
}

// Capacity is the token-bucket size. The monitor uses it as its fetch
// concurrency bound so no worker ever parks on a token behind an idle one.
func (c *Client) Capacity() int {
	return c.limiter.Burst()
}

func (c *Client) BatchSize() int {
	if n := c.drv.BatchSize(); n > 1 {
		return n
	}
	return 1
}

// Apply updates the rate budget and cache TTL at runtime.
func (c *Client) Apply(cfg Config) {
	if cfg.RequestsPerMinute > 0 {
		c.limiter.SetLimit(rate.Limit(float64(cfg.RequestsPerMinute) / 60.0))
		c.limiter.SetBurst(cfg.RequestsPerMinute)
	}
	c.cache.SetTTL(cfg.CacheTTL)
}

// Fetch returns a snapshot for one product, consulting the cache first.
func (c *Client) Fetch(ctx context.Context, productID string) (product.Snapshot, error) {
	if snap, ok := c.cache.Get(productID); ok {
		return snap, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return product.Snapshot{}, &Error{Kind: KindTimeout, ProductID: productID, Msg: "rate token wait", Err: fmt.Errorf("%w: %w", ErrBudgetExhausted, err)}
	}
	snap, err := c.drv.Fetch(ctx, productID)
	if err != nil {
		return product.Snapshot{}, err
	}
	c.cache.Put(snap)
	return snap, nil
}

// FetchBatch resolves a set of products, serving fresh entries from cache and
// fetching the rest in driver-sized groups. Failures are reported per
// product; one bad id does not fail the rest.
func (c *Client) FetchBatch(ctx context.Context, productIDs []string) (map[string]product.Snapshot, map[string]error) {
	snaps := make(map[string]product.Snapshot, len(productIDs))
	errs := map[string]error{}

	var stale []string
	for _, id := range productIDs {
		if snap, ok := c.cache.Get(id); ok {
			snaps[id] = snap
			continue
		}
		stale = append(stale, id)
	}

	size := c.BatchSize()
	for start := 0; start < len(stale); start += size {
		end := min(start+size, len(stale))
		group := stale[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			for _, id := range group {
				errs[id] = &Error{Kind: KindTimeout, ProductID: id, Msg: "rate token wait", Err: fmt.Errorf("%w: %w", ErrBudgetExhausted, err)}
			}
			continue
		}

		if size == 1 {
			snap, err := c.drv.Fetch(ctx, group[0])
			if err != nil {
				errs[group[0]] = err
				continue
			}
			c.cache.Put(snap)
			snaps[group[0]] = snap
			continue
		}

		got, derrs := c.drv.FetchBatch(ctx, group)
		for _, id := range group {
			if snap, ok := got[id]; ok {
				c.cache.Put(snap)
				snaps[id] = snap
				continue
			}
			if err, ok := derrs[id]; ok {
				errs[id] = err
				continue
			}
			errs[id] = newError(KindNotFound, id, "missing from batch response")
		}
	}
	return snaps, errs
}

// Lookup resolves product metadata for the add flow. It holds a rate token
// like any other upstream call.
func (c *Client) Lookup(ctx context.Context, externalRef string) (*Info, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, Msg: "rate token wait", Err: fmt.Errorf("%w: %w", ErrBudgetExhausted, err)}
	}
	return c.drv.Lookup(ctx, externalRef)
}
