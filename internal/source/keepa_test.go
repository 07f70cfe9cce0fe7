package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "pricewatch/pkg/logx"
)

func TestKeepaReportsDelistedPerID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"products":[
			{"asin":"B0KEEPAOK1","title":"Alive","timestamps":[1700000000],"prices":[4999]},
			{"asin":"B0KEEPAGON","title":"Gone","delisted":true}
		]}`)
	}))
	defer srv.Close()

	drv, err := NewKeepa(KeepaConfig{BaseURL: srv.URL, APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewKeepa: %v", err)
	}

	snaps, errs := drv.FetchBatch(context.Background(), []string{"B0KEEPAOK1", "B0KEEPAGON"})
	if snap, ok := snaps["B0KEEPAOK1"]; !ok || snap.Price != 4999 {
		t.Fatalf("live product snapshot = %+v", snaps)
	}
	var se *Error
	if err := errs["B0KEEPAGON"]; !errors.As(err, &se) || se.Kind != KindDelisted {
		t.Fatalf("delisted product error = %v, want KindDelisted", err)
	}

	// The single-fetch path surfaces the same kind.
	if _, err := drv.Fetch(context.Background(), "B0KEEPAGON"); !errors.As(err, &se) || se.Kind != KindDelisted {
		t.Fatalf("Fetch delisted: err = %v, want KindDelisted", err)
	}
}

func TestExtractProductID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ref  string
		id   string
		ok   bool
	}{
		{name: "dp path", ref: "https://www.amazon.it/dp/B0ABCDEF12", id: "B0ABCDEF12", ok: true},
		{name: "gp product", ref: "https://www.amazon.com/gp/product/B0ABCDEF12", id: "B0ABCDEF12", ok: true},
		{name: "title slug", ref: "https://www.amazon.de/Some-Product-Title/dp/B0ABCDEF12/ref=sr_1_1", id: "B0ABCDEF12", ok: true},
		{name: "no www", ref: "http://amazon.co.uk/dp/B0ABCDEF12", id: "B0ABCDEF12", ok: true},
		{name: "query string", ref: "https://www.amazon.it/dp/B0ABCDEF12?th=1&psc=1", id: "B0ABCDEF12", ok: true},
		{name: "short id", ref: "https://www.amazon.it/dp/B0SHORT", ok: false},
		{name: "not a product page", ref: "https://www.amazon.it/deals", ok: false},
		{name: "other site", ref: "https://example.com/dp/B0ABCDEF12", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ExtractProductID(tt.ref)
			if ok != tt.ok {
				t.Fatalf("ExtractProductID(%q) ok = %v, want %v", tt.ref, ok, tt.ok)
			}
			if ok && id != tt.id {
				t.Fatalf("ExtractProductID(%q) = %q, want %q", tt.ref, id, tt.id)
			}
		})
	}
}

func TestAffiliateRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ref  string
		tag  string
		want string
	}{
		{name: "no tag", ref: "https://www.amazon.it/dp/B0X", tag: "", want: "https://www.amazon.it/dp/B0X"},
		{name: "plain url", ref: "https://www.amazon.it/dp/B0X", tag: "mytag-21", want: "https://www.amazon.it/dp/B0X?tag=mytag-21"},
		{name: "existing query", ref: "https://www.amazon.it/dp/B0X?th=1", tag: "mytag-21", want: "https://www.amazon.it/dp/B0X?th=1&tag=mytag-21"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := AffiliateRef(tt.ref, tt.tag); got != tt.want {
				t.Fatalf("AffiliateRef = %q, want %q", got, tt.want)
			}
		})
	}
}
