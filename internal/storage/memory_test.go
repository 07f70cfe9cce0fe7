package storage

import (
	"context"
	"testing"
	"time"

	"pricewatch/internal/product"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := &product.Tracked{
		ID:          "B0STORE001",
		ExternalRef: "https://www.amazon.it/dp/B0STORE001",
		Title:       "Stored widget",
		TargetPrice: 40000,
		Status:      product.StatusActive,
		OwnerID:     100,
	}
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	for i := 0; i < 3; i++ {
		pt := product.PricePoint{At: now.Add(time.Duration(i) * time.Hour), Price: product.Cents(41000 - i*500)}
		if err := s.AppendPricePoint(ctx, p.ID, pt, now.Add(-time.Hour)); err != nil {
			t.Fatalf("AppendPricePoint: %v", err)
		}
	}

	items, err := s.ListProducts(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("products = %d, want 1", len(items))
	}
	if got := items[0]; got.Title != "Stored widget" || len(got.PriceHistory) != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestMemoryHistoryCutoff(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertProduct(ctx, &product.Tracked{ID: "B0STORE002", Status: product.StatusActive}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	old := product.PricePoint{At: now.Add(-48 * time.Hour), Price: 100}
	fresh := product.PricePoint{At: now, Price: 200}
	if err := s.AppendPricePoint(ctx, "B0STORE002", old, now.Add(-72*time.Hour)); err != nil {
		t.Fatalf("AppendPricePoint: %v", err)
	}
	// Inserting with a tighter cutoff evicts the old point.
	if err := s.AppendPricePoint(ctx, "B0STORE002", fresh, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("AppendPricePoint: %v", err)
	}

	items, err := s.ListProducts(ctx, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(items[0].PriceHistory) != 1 || items[0].PriceHistory[0].Price != 200 {
		t.Fatalf("history = %+v, want only the fresh point", items[0].PriceHistory)
	}
}

func TestMemoryNotificationConflict(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	rec := product.NotificationRecord{ProductID: "B0STORE003", Epoch: 0, CrossingPrice: 39500}

	inserted, err := s.PutNotification(ctx, rec)
	if err != nil {
		t.Fatalf("PutNotification: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported conflict")
	}
	inserted, err = s.PutNotification(ctx, rec)
	if err != nil {
		t.Fatalf("PutNotification replay: %v", err)
	}
	if inserted {
		t.Fatal("duplicate (product, epoch) inserted twice")
	}

	// A different epoch is a fresh record.
	rec.Epoch = 1
	inserted, err = s.PutNotification(ctx, rec)
	if err != nil {
		t.Fatalf("PutNotification epoch 1: %v", err)
	}
	if !inserted {
		t.Fatal("new epoch rejected")
	}
}

func TestMemorySkipsRemovedProducts(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	if err := s.UpsertProduct(ctx, &product.Tracked{ID: "B0STORE004", Status: product.StatusRemoved}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	items, err := s.ListProducts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("removed product listed: %d", len(items))
	}
}
