package product

import (
	"testing"
	"time"
)

func TestCentsString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cents Cents
		want  string
	}{
		{cents: 4999, want: "49.99"},
		{cents: 100, want: "1.00"},
		{cents: 99, want: "0.99"},
		{cents: 123456, want: "1234.56"},
		{cents: 0, want: "0.00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.cents.String(); got != tt.want {
				t.Fatalf("Cents(%d).String() = %q, want %q", tt.cents, got, tt.want)
			}
		})
	}
}

func TestTrackedDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Tracked{Status: StatusActive, NextEligibleAt: now}

	if !p.Due(now) {
		t.Fatal("product not due at its eligibility time")
	}
	if p.Due(now.Add(-time.Second)) {
		t.Fatal("product due before its eligibility time")
	}
	p.Status = StatusPaused
	if p.Due(now.Add(time.Hour)) {
		t.Fatal("paused product reported due")
	}
	p.Status = StatusRemoved
	if p.Due(now.Add(time.Hour)) {
		t.Fatal("removed product reported due")
	}
	// Notified products stay on the schedule so the trigger can re-arm.
	p.Status = StatusTargetReached
	if !p.Due(now.Add(time.Hour)) {
		t.Fatal("target-reached product dropped off the schedule")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	p := &Tracked{
		ID:           "B0PRODTEST",
		PriceHistory: []PricePoint{{Price: 100}, {Price: 200}},
	}
	cp := p.Clone()
	cp.PriceHistory[0].Price = 999
	cp.ID = "changed"
	if p.PriceHistory[0].Price != 100 {
		t.Fatal("clone shares history backing array")
	}
	if p.ID != "B0PRODTEST" {
		t.Fatal("clone shares scalar fields")
	}
}
