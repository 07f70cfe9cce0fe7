package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/product"
	"pricewatch/internal/registry"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Message) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.sent = append(a.sent, text)
	return nil
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func testEvent() product.CrossingEvent {
	return product.CrossingEvent{
		ProductID:     "B0NOTIF001",
		OwnerID:       100,
		Title:         "Widget <special>",
		ExternalRef:   "https://www.amazon.it/dp/B0NOTIF001",
		CrossingPrice: 39500,
		TargetPrice:   40000,
		MinHistoric:   39500,
		Epoch:         0,
		At:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestService(adapter *fakeAdapter) (*Service, *registry.Registry) {
	store := storage.NewMemory()
	reg := registry.New(registry.Config{}, store, logx.Nop(), nil)
	return New(Config{RatePerSec: 100}, store, reg, adapter, nil, logx.Nop()), reg
}

func TestNotifyDeliversOncePerEpoch(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	svc, _ := newTestService(adapter)
	ctx := context.Background()
	ev := testEvent()

	delivered, err := svc.Notify(ctx, ev)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !delivered {
		t.Fatal("first Notify not delivered")
	}

	// Replaying the same crossing (same product, same epoch) is suppressed.
	for i := 0; i < 3; i++ {
		delivered, err = svc.Notify(ctx, ev)
		if err != nil {
			t.Fatalf("Notify replay: %v", err)
		}
		if delivered {
			t.Fatal("replay was delivered")
		}
	}
	if adapter.count() != 1 {
		t.Fatalf("sent = %d, want 1", adapter.count())
	}

	// A new epoch is a new crossing and delivers again.
	ev.Epoch = 1
	delivered, err = svc.Notify(ctx, ev)
	if err != nil {
		t.Fatalf("Notify new epoch: %v", err)
	}
	if !delivered {
		t.Fatal("new epoch not delivered")
	}
	if adapter.count() != 2 {
		t.Fatalf("sent = %d, want 2", adapter.count())
	}
}

func TestDeliveryFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{fail: errors.New("telegram down")}
	svc, _ := newTestService(adapter)
	ctx := context.Background()
	ev := testEvent()

	delivered, err := svc.Notify(ctx, ev)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if delivered {
		t.Fatal("reported delivered despite send failure")
	}

	// The record was written before delivery, so even after the transport
	// recovers the crossing stays consumed (at-most-once).
	adapter.mu.Lock()
	adapter.fail = nil
	adapter.mu.Unlock()
	delivered, err = svc.Notify(ctx, ev)
	if err != nil {
		t.Fatalf("Notify after recovery: %v", err)
	}
	if delivered {
		t.Fatal("crossing delivered twice for one epoch")
	}
	if adapter.count() != 0 {
		t.Fatalf("sent = %d, want 0", adapter.count())
	}

	hist := svc.History()
	if len(hist) != 1 || hist[0].Delivered || hist[0].Error == "" {
		t.Fatalf("history = %+v, want one failed entry", hist)
	}
}

func TestRenderCrossingEscapesTitle(t *testing.T) {
	t.Parallel()
	text := renderCrossing(testEvent())
	if strings.Contains(text, "<special>") {
		t.Fatal("title not HTML-escaped")
	}
	if !strings.Contains(text, "395.00") || !strings.Contains(text, "400.00") {
		t.Fatalf("prices missing from payload:\n%s", text)
	}
}
