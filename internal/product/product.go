// Package product holds the core domain types shared by the registry,
// scheduler and notifier. It has no dependencies on other internal packages.
package product

import (
	"fmt"
	"time"
)

// Cents is a price in minor currency units. The upstream source reports
// integer cents; zero or negative means the product is not purchasable.
type Cents int64

func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", c/100, abs(int64(c)%100))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Status is the lifecycle state of a tracked product.
type Status string

const (
	StatusActive        Status = "active"
	StatusTargetReached Status = "target_reached"
	StatusPaused        Status = "paused"
	StatusRemoved       Status = "removed"
)

// PricePoint is one observation in a product's price history.
type PricePoint struct {
	At    time.Time `json:"at"`
	Price Cents     `json:"price"`
}

// Snapshot is a transient price observation. It lives in the source cache
// until its TTL expires and is never persisted as-is.
type Snapshot struct {
	ProductID string
	Price     Cents
	FetchedAt time.Time
	Available bool
}

// Tracked is a product under monitoring.
//
// MinHistoricPrice is the floor over the rolling history window;
// AllTimeMinPrice never resets. Both are non-increasing as long as the
// observations that set them remain in scope.
type Tracked struct {
	ID          string `json:"id"`           // stable upstream identifier (ASIN-equivalent)
	ExternalRef string `json:"external_ref"` // marketplace URL
	Title       string `json:"title"`
	ImageRef    string `json:"image_ref,omitempty"`

	TargetPrice      Cents `json:"target_price"`
	CurrentPrice     Cents `json:"current_price"`
	MinHistoricPrice Cents `json:"min_historic_price"`
	AllTimeMinPrice  Cents `json:"all_time_min_price"`

	PriceHistory []PricePoint `json:"price_history"`

	CheckFrequency time.Duration `json:"check_frequency"`
	LastCheckedAt  time.Time     `json:"last_checked_at"`
	NextEligibleAt time.Time     `json:"next_eligible_at"`

	Status       Status `json:"status"`
	PausedReason string `json:"paused_reason,omitempty"`

	// Attempts counts consecutive transient fetch failures. Reset on any
	// successful snapshot; the registry pauses the product at the cap.
	Attempts int `json:"attempts"`

	// CrossingEpoch increments every time the price re-arms (rises back
	// above target after a notified crossing). The notification record is
	// keyed on (ID, CrossingEpoch), which is what makes "exactly once per
	// crossing" hold across restarts.
	CrossingEpoch int64 `json:"crossing_epoch"`

	OwnerID int64 `json:"owner_id"` // subscribing chat; external reference only
}

// Due reports whether the product is eligible for a check at now. A notified
// product (TargetReached) stays schedulable: its history keeps updating and a
// rise back above target re-arms the edge trigger. Only Paused and Removed
// products leave the schedule.
func (t *Tracked) Due(now time.Time) bool {
	switch t.Status {
	case StatusActive, StatusTargetReached:
		return !now.Before(t.NextEligibleAt)
	default:
		return false
	}
}

// Distance is the gap between current and target price. Smaller values mean
// the product is closer to crossing; the scheduler sorts ascending on this.
func (t *Tracked) Distance() Cents {
	return t.CurrentPrice - t.TargetPrice
}

// Clone returns a deep copy. The registry hands out clones so callers can
// read freely without holding its lock.
func (t *Tracked) Clone() *Tracked {
	cp := *t
	cp.PriceHistory = append([]PricePoint(nil), t.PriceHistory...)
	return &cp
}

// CrossingEvent is emitted when a product's price transitions from above
// target to at/below target. Edge-triggered: hovering below target does not
// produce further events.
type CrossingEvent struct {
	ProductID     string
	OwnerID       int64
	Title         string
	ExternalRef   string
	CrossingPrice Cents
	TargetPrice   Cents
	MinHistoric   Cents
	Epoch         int64
	At            time.Time
}

// NotificationRecord is the idempotency guard for crossing notifications.
// At most one record exists per (ProductID, Epoch).
type NotificationRecord struct {
	ProductID     string
	Epoch         int64
	CrossingPrice Cents
	FiredAt       time.Time
}
