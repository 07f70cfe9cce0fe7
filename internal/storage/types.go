package storage

import (
	"context"
	"errors"
	"time"

	"pricewatch/internal/product"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence boundary behind the registry and notifier.
//
// The registry owns all in-memory state; the store is write-through. History
// appends carry the rolling-window cutoff so eviction happens in the same
// operation as the insert.
type Store interface {
	// UpsertProduct persists the full product row (not its history).
	UpsertProduct(ctx context.Context, p *product.Tracked) error
	// ListProducts returns all non-removed products with their history
	// inside the window starting at cutoff.
	ListProducts(ctx context.Context, cutoff time.Time) ([]*product.Tracked, error)
	// AppendPricePoint inserts one observation and evicts points older than
	// cutoff for the same product.
	AppendPricePoint(ctx context.Context, productID string, pt product.PricePoint, cutoff time.Time) error

	// PutNotification records a crossing notification. It reports
	// inserted=false when a record for the same (product, epoch) already
	// exists, which is how the notifier suppresses duplicates.
	PutNotification(ctx context.Context, rec product.NotificationRecord) (inserted bool, err error)

	Close() error
}
