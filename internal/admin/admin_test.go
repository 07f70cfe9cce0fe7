package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pricewatch/internal/notifier"
	"pricewatch/internal/registry"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

func newTestAdmin(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	store := storage.NewMemory()
	reg := registry.New(registry.Config{}, store, logx.Nop(), nil)
	notif := notifier.New(notifier.Config{}, store, reg, nil, nil, logx.Nop())
	return New(Config{Enabled: true}, reg, notif, nil, logx.Nop()), reg
}

func seed(t *testing.T, reg *registry.Registry, owner int64, id string) {
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

func TestSummaryEndpoint(t *testing.T) {
	t.Parallel()
	svc, reg := newTestAdmin(t)
	seed(t, reg, 100, "B0ADMTEST1")
	seed(t, reg, 100, "B0ADMTEST2")
	seed(t, reg, 200, "B0ADMTEST3")

	rec := httptest.NewRecorder()
	svc.handleSummary(rec, httptest.NewRequest(http.MethodGet, "/api/summary", nil))

	var got struct {
		Products int            `json:"products"`
		ByStatus map[string]int `json:"by_status"`
		ByOwner  map[int64]int  `json:"by_owner"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Products != 3 {
		t.Fatalf("products = %d, want 3", got.Products)
	}
	if got.ByStatus["active"] != 3 {
		t.Fatalf("by_status = %v", got.ByStatus)
	}
	if got.ByOwner[100] != 2 || got.ByOwner[200] != 1 {
		t.Fatalf("by_owner = %v", got.ByOwner)
	}
}

func TestProductsCSVExport(t *testing.T) {
	t.Parallel()
	svc, reg := newTestAdmin(t)
	seed(t, reg, 100, "B0ADMTEST4")

	rec := httptest.NewRecorder()
	svc.handleProductsCSV(rec, httptest.NewRequest(http.MethodGet, "/api/products.csv", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header + 1 row:\n%s", len(lines), body)
	}
	if !strings.Contains(lines[0], "target_price") {
		t.Fatalf("header missing column: %q", lines[0])
	}
	if !strings.Contains(lines[1], "B0ADMTEST4") || !strings.Contains(lines[1], "400.00") {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestAuthGuard(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAdmin(t)
	h := svc.withAuth("secret", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: code = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/summary?token=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: code = %d, want 200", rec.Code)
	}
}

func TestLoopbackGuard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:8090", ok: true},
		{addr: "localhost:8090", ok: true},
		{addr: "[::1]:8090", ok: true},
		{addr: "0.0.0.0:8090", ok: false},
		{addr: ":8090", ok: false},
		{addr: "10.0.0.5:8090", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.addr, func(t *testing.T) {
			if got := isLoopbackAddr(tt.addr); got != tt.ok {
				t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.ok)
			}
		})
	}
}
