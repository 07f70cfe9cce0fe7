package source

import (
	"testing"

	"pricewatch/internal/product"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		cents product.Cents
		ok    bool
	}{
		{raw: "$12.99", cents: 1299, ok: true},
		{raw: "12,99 €", cents: 1299, ok: true},
		{raw: "€ 1.234,56", cents: 123456, ok: true},
		{raw: "1,234.56", cents: 123456, ok: true},
		{raw: "50", cents: 5000, ok: true},
		{raw: "49.9", cents: 4990, ok: true},
		{raw: "EUR 0,99", cents: 99, ok: true},
		{raw: "", ok: false},
		{raw: "sold out", ok: false},
		{raw: "0.00", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parsePrice(tt.raw)
			if ok != tt.ok {
				t.Fatalf("parsePrice(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if ok && got != tt.cents {
				t.Fatalf("parsePrice(%q) = %v, want %v", tt.raw, got, tt.cents)
			}
		})
	}
}
