// Package registry owns the durable set of tracked products: due selection,
// snapshot recording with edge-triggered crossing detection, and the
// add/remove/pause/resume lifecycle. All mutation goes through the registry
// lock, which serializes snapshot application per product.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/product"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

var (
	ErrNotFound   = errors.New("registry: product not found")
	ErrNotOwner   = errors.New("registry: product belongs to another subscriber")
	ErrOwnerLimit = errors.New("registry: per-subscriber product limit reached")
)

// Config controls product-state policy.
type Config struct {
	// HistoryWindow bounds PriceHistory; observations older than now-window
	// are evicted on insert. Default 30 days.
	HistoryWindow time.Duration
	// DefaultCheckFrequency applies when an add request doesn't set one.
	DefaultCheckFrequency time.Duration
	// RetryDelays is the transient-failure requeue schedule; failure n
	// requeues the product after RetryDelays[n-1]. Its length is also the
	// attempt cap: the failure that reaches it pauses instead of requeueing.
	RetryDelays []time.Duration
	// MaxPerOwner caps products per subscriber (0 = unlimited).
	MaxPerOwner int
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 30 * 24 * time.Hour
	}
	if c.DefaultCheckFrequency <= 0 {
		c.DefaultCheckFrequency = time.Hour
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}
	}
	return c
}

type Registry struct {
	mu sync.Mutex

	cfg      Config
	store    storage.Store
	log      logx.Logger
	bus      eventbus.Bus
	products map[string]*product.Tracked

	// now is swappable for tests; ticks inject their own reference time
	// through method arguments where determinism matters.
	now func() time.Time
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log,
		bus:      bus,
		products: map[string]*product.Tracked{},
		now:      time.Now,
	}
}

// SetClock injects a deterministic clock (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Apply updates runtime-tunable policy.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Load populates the in-memory index from the store. Call once at startup.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	cutoff := r.now().Add(-r.cfg.HistoryWindow)
	r.mu.Unlock()

	items, err := r.store.ListProducts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("registry load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range items {
		r.products[p.ID] = p
	}
	r.log.Info("registry loaded", logx.Int("products", len(items)))
	return nil
}

// Add registers a product for monitoring. The request must already carry the
// resolved upstream metadata (the add flow looks it up through the source
// client before calling here).
func (r *Registry) Add(ctx context.Context, req AddRequest) (*product.Tracked, error) {
	if err := validateAdd(req); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := r.now()
	if existing, ok := r.products[req.ProductID]; ok && existing.Status != product.StatusRemoved {
		if existing.OwnerID != req.OwnerID {
			r.mu.Unlock()
			return nil, ErrNotOwner
		}
		// Re-adding updates the target and re-activates.
		existing.TargetPrice = req.TargetPrice
		if req.CheckFrequency > 0 {
			existing.CheckFrequency = req.CheckFrequency
		}
		existing.Status = product.StatusActive
		existing.PausedReason = ""
		existing.Attempts = 0
		cp := existing.Clone()
		r.mu.Unlock()
		return cp, r.persist(ctx, cp)
	}

	if r.cfg.MaxPerOwner > 0 && r.countByOwnerLocked(req.OwnerID) >= r.cfg.MaxPerOwner {
		r.mu.Unlock()
		return nil, ErrOwnerLimit
	}

	freq := req.CheckFrequency
	if freq <= 0 {
		freq = r.cfg.DefaultCheckFrequency
	}
	p := &product.Tracked{
		ID:              req.ProductID,
		ExternalRef:     req.ExternalRef,
		Title:           req.Title,
		ImageRef:        req.ImageRef,
		TargetPrice:     req.TargetPrice,
		CurrentPrice:    req.CurrentPrice,
		AllTimeMinPrice: req.AllTimeMin,
		CheckFrequency:  freq,
		NextEligibleAt:  now, // eligible on the next tick
		Status:          product.StatusActive,
		// Seeded from the clock so a removed-then-re-added product never
		// collides with notification records from its previous tracking.
		CrossingEpoch: now.UnixMilli(),
		OwnerID:       req.OwnerID,
	}
	cutoff := now.Add(-r.cfg.HistoryWindow)
	for _, pt := range req.History {
		if pt.At.Before(cutoff) {
			continue
		}
		p.PriceHistory = append(p.PriceHistory, pt)
		if p.MinHistoricPrice == 0 || pt.Price < p.MinHistoricPrice {
			p.MinHistoricPrice = pt.Price
		}
	}
	if p.CurrentPrice > 0 && (p.MinHistoricPrice == 0 || p.CurrentPrice < p.MinHistoricPrice) {
		p.MinHistoricPrice = p.CurrentPrice
	}
	if p.CurrentPrice > 0 && (p.AllTimeMinPrice == 0 || p.CurrentPrice < p.AllTimeMinPrice) {
		p.AllTimeMinPrice = p.CurrentPrice
	}
	r.products[p.ID] = p
	cp := p.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, cp); err != nil {
		return nil, err
	}
	for _, pt := range cp.PriceHistory {
		if err := r.store.AppendPricePoint(ctx, cp.ID, pt, cutoff); err != nil {
			r.publishStorageError(cp.ID, err)
			break
		}
	}
	r.log.Info("product added",
		logx.String("product", cp.ID),
		logx.Int64("owner", cp.OwnerID),
		logx.String("target", cp.TargetPrice.String()))
	return cp, nil
}

func (r *Registry) countByOwnerLocked(ownerID int64) int {
	n := 0
	for _, p := range r.products {
		if p.OwnerID == ownerID && p.Status != product.StatusRemoved {
			n++
		}
	}
	return n
}

// Remove soft-deletes a product. ownerID 0 bypasses the ownership check
// (operator path).
func (r *Registry) Remove(ctx context.Context, id string, ownerID int64) error {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok || p.Status == product.StatusRemoved {
		r.mu.Unlock()
		return ErrNotFound
	}
	if ownerID != 0 && p.OwnerID != ownerID {
		r.mu.Unlock()
		return ErrNotOwner
	}
	p.Status = product.StatusRemoved
	cp := p.Clone()
	delete(r.products, id)
	r.mu.Unlock()

	return r.persist(ctx, cp)
}

// Pause takes a product out of scheduling until Resume.
func (r *Registry) Pause(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	p.Status = product.StatusPaused
	p.PausedReason = reason
	cp := p.Clone()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicProductPaused, Data: map[string]any{
			"product": id, "reason": reason,
		}})
	}
	return r.persist(ctx, cp)
}

// Resume re-activates a paused (or target-reached) product and makes it
// immediately eligible.
func (r *Registry) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	p.Status = product.StatusActive
	p.PausedReason = ""
	p.Attempts = 0
	p.NextEligibleAt = r.now()
	cp := p.Clone()
	r.mu.Unlock()

	return r.persist(ctx, cp)
}

func (r *Registry) Get(id string) (*product.Tracked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (r *Registry) List() []*product.Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*product.Tracked, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) ListByOwner(ownerID int64) []*product.Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*product.Tracked
	for _, p := range r.products {
		if p.OwnerID == ownerID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DueForCheck returns clones of all products eligible at now, ordered by how
// long they have been waiting. Prioritization beyond that is the scheduler's
// concern.
func (r *Registry) DueForCheck(now time.Time) []*product.Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*product.Tracked
	for _, p := range r.products {
		if p.Due(now) {
			due = append(due, p.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextEligibleAt.Before(due[j].NextEligibleAt) })
	return due
}

// RecordSnapshot applies one observation. It returns a CrossingEvent iff the
// price transitioned from above target to at/below target (edge-triggered;
// hovering below target never re-fires).
//
// An unavailable snapshot still counts as a successful check: the product is
// rescheduled and its attempt counter reset, but no price is recorded.
func (r *Registry) RecordSnapshot(ctx context.Context, id string, snap product.Snapshot) (*product.CrossingEvent, error) {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok || p.Status == product.StatusRemoved {
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	now := r.now()
	prev := p.CurrentPrice
	p.LastCheckedAt = now
	p.NextEligibleAt = now.Add(p.CheckFrequency)
	p.Attempts = 0

	if !snap.Available || snap.Price <= 0 {
		cp := p.Clone()
		r.mu.Unlock()
		return nil, r.persist(ctx, cp)
	}

	cutoff := now.Add(-r.cfg.HistoryWindow)
	p.PriceHistory = append(p.PriceHistory, product.PricePoint{At: snap.FetchedAt, Price: snap.Price})
	evictBefore(&p.PriceHistory, cutoff)

	p.CurrentPrice = snap.Price
	p.MinHistoricPrice = windowMin(p.PriceHistory)
	if p.AllTimeMinPrice == 0 || snap.Price < p.AllTimeMinPrice {
		p.AllTimeMinPrice = snap.Price
	}

	// Re-arm: a notified product whose price climbed back above target
	// becomes eligible for one more notification on its next crossing.
	if p.Status == product.StatusTargetReached && snap.Price > p.TargetPrice {
		p.Status = product.StatusActive
		p.CrossingEpoch++
	}

	var ev *product.CrossingEvent
	if prev > p.TargetPrice && snap.Price <= p.TargetPrice {
		ev = &product.CrossingEvent{
			ProductID:     p.ID,
			OwnerID:       p.OwnerID,
			Title:         p.Title,
			ExternalRef:   p.ExternalRef,
			CrossingPrice: snap.Price,
			TargetPrice:   p.TargetPrice,
			MinHistoric:   p.MinHistoricPrice,
			Epoch:         p.CrossingEpoch,
			At:            now,
		}
	}
	cp := p.Clone()
	r.mu.Unlock()

	if err := r.store.AppendPricePoint(ctx, id, product.PricePoint{At: snap.FetchedAt, Price: snap.Price}, cutoff); err != nil {
		r.publishStorageError(id, err)
		return ev, err
	}
	if err := r.persist(ctx, cp); err != nil {
		return ev, err
	}
	return ev, nil
}

// RecordFailure registers a transient fetch failure and reschedules the
// product per the backoff schedule. The failure that brings consecutive
// attempts up to the cap pauses the product instead of requeueing it; the
// returned flag reports that transition.
func (r *Registry) RecordFailure(ctx context.Context, id, reason string) (paused bool, err error) {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok || p.Status == product.StatusRemoved {
		r.mu.Unlock()
		return false, ErrNotFound
	}

	now := r.now()
	p.Attempts++
	p.LastCheckedAt = now
	if p.Attempts >= len(r.cfg.RetryDelays) {
		p.Status = product.StatusPaused
		p.PausedReason = reason
		paused = true
	} else {
		p.NextEligibleAt = now.Add(r.cfg.RetryDelays[p.Attempts-1])
	}
	cp := p.Clone()
	r.mu.Unlock()

	if paused && r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicProductPaused, Data: map[string]any{
			"product": id, "reason": reason, "attempts": cp.Attempts,
		}})
	}
	return paused, r.persist(ctx, cp)
}

// MarkNotified transitions the product to TargetReached after the notifier
// has recorded the crossing.
func (r *Registry) MarkNotified(ctx context.Context, id string, epoch int64) error {
	r.mu.Lock()
	p, ok := r.products[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if p.CrossingEpoch != epoch {
		// A re-arm raced the notification; leave the newer state alone.
		r.mu.Unlock()
		return nil
	}
	p.Status = product.StatusTargetReached
	cp := p.Clone()
	r.mu.Unlock()

	return r.persist(ctx, cp)
}

func (r *Registry) persist(ctx context.Context, p *product.Tracked) error {
	if err := r.store.UpsertProduct(ctx, p); err != nil {
		r.publishStorageError(p.ID, err)
		return fmt.Errorf("persist product %s: %w", p.ID, err)
	}
	return nil
}

func (r *Registry) publishStorageError(id string, err error) {
	r.log.Error("storage write failed", logx.String("product", id), logx.Err(err))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicStorageError, Data: map[string]any{
			"product": id, "err": err.Error(),
		}})
	}
}

func evictBefore(hist *[]product.PricePoint, cutoff time.Time) {
	h := *hist
	i := 0
	for i < len(h) && h[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		*hist = append(h[:0], h[i:]...)
	}
}

func windowMin(hist []product.PricePoint) product.Cents {
	var min product.Cents
	for _, pt := range hist {
		if min == 0 || pt.Price < min {
			min = pt.Price
		}
	}
	return min
}
