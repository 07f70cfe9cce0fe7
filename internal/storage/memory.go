package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/product"
)

// memoryStore is a volatile Store used by tests and dry runs. It mirrors the
// sqlite driver's semantics, including history eviction and notification
// conflict detection.
type memoryStore struct {
	mu       sync.Mutex
	products map[string]*product.Tracked
	history  map[string][]product.PricePoint
	notified map[string]map[int64]product.NotificationRecord
}

func NewMemory() Store {
	return &memoryStore{
		products: map[string]*product.Tracked{},
		history:  map[string][]product.PricePoint{},
		notified: map[string]map[int64]product.NotificationRecord{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertProduct(_ context.Context, p *product.Tracked) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p.Clone()
	cp.PriceHistory = nil // history lives in its own map
	s.products[p.ID] = cp
	return nil
}

func (s *memoryStore) ListProducts(_ context.Context, cutoff time.Time) ([]*product.Tracked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*product.Tracked, 0, len(s.products))
	for id, p := range s.products {
		if p.Status == product.StatusRemoved {
			continue
		}
		cp := p.Clone()
		for _, pt := range s.history[id] {
			if !pt.At.Before(cutoff) {
				cp.PriceHistory = append(cp.PriceHistory, pt)
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AppendPricePoint(_ context.Context, productID string, pt product.PricePoint, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]product.PricePoint, 0, len(s.history[productID])+1)
	for _, old := range s.history[productID] {
		if !old.At.Before(cutoff) {
			kept = append(kept, old)
		}
	}
	kept = append(kept, pt)
	s.history[productID] = kept
	return nil
}

func (s *memoryStore) PutNotification(_ context.Context, rec product.NotificationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byEpoch := s.notified[rec.ProductID]
	if byEpoch == nil {
		byEpoch = map[int64]product.NotificationRecord{}
		s.notified[rec.ProductID] = byEpoch
	}
	if _, ok := byEpoch[rec.Epoch]; ok {
		return false, nil
	}
	byEpoch[rec.Epoch] = rec
	return true, nil
}
