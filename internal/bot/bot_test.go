package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"pricewatch/internal/product"
	"pricewatch/internal/registry"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Message) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

func newTestBot(t *testing.T) (*Service, *fakeAdapter, *registry.Registry) {
	t.Helper()
	adapter := &fakeAdapter{}
	reg := registry.New(registry.Config{}, storage.NewMemory(), logx.Nop(), nil)
	svc := New(Config{}, adapter, reg, nil, nil, logx.Nop())
	return svc, adapter, reg
}

func track(t *testing.T, reg *registry.Registry, owner int64, id string) {
	t.Helper()
	_, err := reg.Add(context.Background(), registry.AddRequest{
		OwnerID:     owner,
		ProductID:   id,
		ExternalRef: "https://www.amazon.it/dp/" + id,
		Title:       "Widget " + id,
		TargetPrice: 40000,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func msg(from int64, text string) transport.Message {
	return transport.Message{ID: 1, ChatID: from, FromID: from, Text: text}
}

func TestParseCents(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		cents product.Cents
		ok    bool
	}{
		{raw: "49.99", cents: 4999, ok: true},
		{raw: "49,99", cents: 4999, ok: true},
		{raw: "50", cents: 5000, ok: true},
		{raw: "49.9", cents: 4990, ok: true},
		{raw: "0.99", cents: 99, ok: true},
		{raw: "0", ok: false},
		{raw: "-5", ok: false},
		{raw: "abc", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseCents(tt.raw)
			if tt.ok && err != nil {
				t.Fatalf("parseCents(%q): %v", tt.raw, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("parseCents(%q) accepted", tt.raw)
			}
			if tt.ok && got != tt.cents {
				t.Fatalf("parseCents(%q) = %v, want %v", tt.raw, got, tt.cents)
			}
		})
	}
}

func TestListCommand(t *testing.T) {
	t.Parallel()
	svc, adapter, reg := newTestBot(t)
	ctx := context.Background()

	svc.handle(ctx, msg(100, "/list"))
	if !strings.Contains(adapter.last(), "aren't tracking anything") {
		t.Fatalf("empty list reply = %q", adapter.last())
	}

	track(t, reg, 100, "B0BOTTEST1")
	svc.handle(ctx, msg(100, "/list"))
	if !strings.Contains(adapter.last(), "B0BOTTEST1") {
		t.Fatalf("list reply missing product: %q", adapter.last())
	}

	// Another subscriber sees only their own products.
	svc.handle(ctx, msg(200, "/list"))
	if strings.Contains(adapter.last(), "B0BOTTEST1") {
		t.Fatal("list leaked another subscriber's product")
	}
}

func TestCommandSuffixStripped(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newTestBot(t)
	svc.handle(context.Background(), msg(100, "/help@PricewatchBot"))
	if !strings.Contains(adapter.last(), "/track") {
		t.Fatalf("suffixed command not routed: %q", adapter.last())
	}
}

func TestUntrackOwnership(t *testing.T) {
	t.Parallel()
	svc, adapter, reg := newTestBot(t)
	ctx := context.Background()
	track(t, reg, 100, "B0BOTTEST2")

	svc.handle(ctx, msg(200, "/untrack B0BOTTEST2"))
	if !strings.Contains(adapter.last(), "someone else") {
		t.Fatalf("stranger untrack reply = %q", adapter.last())
	}
	if _, ok := reg.Get("B0BOTTEST2"); !ok {
		t.Fatal("product removed by non-owner")
	}

	svc.handle(ctx, msg(100, "/untrack B0BOTTEST2"))
	if _, ok := reg.Get("B0BOTTEST2"); ok {
		t.Fatal("owner untrack did not remove the product")
	}
}

func TestUntrackAcceptsURL(t *testing.T) {
	t.Parallel()
	svc, _, reg := newTestBot(t)
	ctx := context.Background()
	track(t, reg, 100, "B0BOTTEST5")

	svc.handle(ctx, msg(100, "/untrack https://www.amazon.it/dp/B0BOTTEST5"))
	if _, ok := reg.Get("B0BOTTEST5"); ok {
		t.Fatal("untrack by URL did not resolve the product id")
	}
}

func TestPauseResumeCommands(t *testing.T) {
	t.Parallel()
	svc, _, reg := newTestBot(t)
	ctx := context.Background()
	track(t, reg, 100, "B0BOTTEST4")

	svc.handle(ctx, msg(100, "/pause B0BOTTEST4"))
	p, _ := reg.Get("B0BOTTEST4")
	if p.Status != product.StatusPaused {
		t.Fatalf("Status = %s, want paused", p.Status)
	}

	svc.handle(ctx, msg(100, "/resume B0BOTTEST4"))
	p, _ = reg.Get("B0BOTTEST4")
	if p.Status != product.StatusActive {
		t.Fatalf("Status = %s, want active", p.Status)
	}
}

func TestNonCommandIgnored(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newTestBot(t)
	svc.handle(context.Background(), msg(100, "hello there"))
	svc.handle(context.Background(), msg(100, "/unknowncommand"))
	if adapter.last() != "" {
		t.Fatalf("unexpected reply: %q", adapter.last())
	}
}

func TestUsageHints(t *testing.T) {
	t.Parallel()
	svc, adapter, _ := newTestBot(t)
	ctx := context.Background()

	svc.handle(ctx, msg(100, "/track"))
	if !strings.Contains(adapter.last(), "Usage: /track") {
		t.Fatalf("missing usage hint: %q", adapter.last())
	}
	svc.handle(ctx, msg(100, "/track not-a-url abc"))
	if adapter.last() == "" {
		t.Fatal("bad track args got no reply")
	}
}
