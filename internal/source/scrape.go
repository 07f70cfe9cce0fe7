package source

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

// ScrapeConfig configures the HTML fallback driver for marketplaces without
// an API. One page fetch per product; no batch support.
type ScrapeConfig struct {
	BaseURL       string // product page base, id is appended
	PriceSelector string // CSS selector whose text holds the price
	TitleSelector string
	Timeout       time.Duration
	AffiliateTag  string
}

type scrapeDriver struct {
	cfg  ScrapeConfig
	http *http.Client
	log  logx.Logger
}

func NewScrape(cfg ScrapeConfig, log logx.Logger) (Driver, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("source.base_url is required for the scrape driver")
	}
	if strings.TrimSpace(cfg.PriceSelector) == "" {
		cfg.PriceSelector = ".a-price .a-offscreen"
	}
	if strings.TrimSpace(cfg.TitleSelector) == "" {
		cfg.TitleSelector = "#productTitle"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &scrapeDriver{cfg: cfg, http: &http.Client{Timeout: timeout}, log: log}, nil
}

func (d *scrapeDriver) BatchSize() int { return 1 }

func (d *scrapeDriver) Fetch(ctx context.Context, productID string) (product.Snapshot, error) {
	doc, err := d.page(ctx, productID)
	if err != nil {
		return product.Snapshot{}, err
	}

	raw := strings.TrimSpace(doc.Find(d.cfg.PriceSelector).First().Text())
	if raw == "" {
		// Page loaded but no price block: treat as unavailable, not an error.
		return product.Snapshot{ProductID: productID, FetchedAt: time.Now(), Available: false}, nil
	}
	cents, ok := parsePrice(raw)
	if !ok {
		return product.Snapshot{}, newError(KindUnknown, productID, "unparseable price %q", raw)
	}
	return product.Snapshot{
		ProductID: productID,
		Price:     cents,
		FetchedAt: time.Now(),
		Available: true,
	}, nil
}

func (d *scrapeDriver) FetchBatch(ctx context.Context, productIDs []string) (map[string]product.Snapshot, map[string]error) {
	// No multi-id page; the client never calls this with BatchSize 1, but
	// keep a sane fallback.
	out := make(map[string]product.Snapshot, len(productIDs))
	errs := map[string]error{}
	for _, id := range productIDs {
		snap, err := d.Fetch(ctx, id)
		if err != nil {
			errs[id] = err
			continue
		}
		out[id] = snap
	}
	return out, errs
}

func (d *scrapeDriver) Lookup(ctx context.Context, externalRef string) (*Info, error) {
	id, ok := ExtractProductID(externalRef)
	if !ok {
		return nil, newError(KindNotFound, "", "no product id in %q", externalRef)
	}
	doc, err := d.page(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &Info{
		ID:          id,
		ExternalRef: AffiliateRef(externalRef, d.cfg.AffiliateTag),
		Title:       strings.TrimSpace(doc.Find(d.cfg.TitleSelector).First().Text()),
	}
	if raw := strings.TrimSpace(doc.Find(d.cfg.PriceSelector).First().Text()); raw != "" {
		if cents, ok := parsePrice(raw); ok {
			info.CurrentPrice = cents
			info.AllTimeMin = cents
		}
	}
	return info, nil
}

func (d *scrapeDriver) page(ctx context.Context, productID string) (*goquery.Document, error) {
	endpoint := strings.TrimRight(d.cfg.BaseURL, "/") + "/dp/" + productID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, ProductID: productID, Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; pricewatch/1.0)")

	res, err := d.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyNetErr(err), ProductID: productID, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, newError(KindRateLimited, productID, "page returned 429")
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return nil, newError(KindNotFound, productID, "page returned %d", res.StatusCode)
	case res.StatusCode >= 500:
		return nil, newError(KindUnavailable, productID, "page returned %d", res.StatusCode)
	case res.StatusCode != http.StatusOK:
		return nil, newError(KindUnknown, productID, "unexpected status %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, ProductID: productID, Msg: "parse page", Err: err}
	}
	return doc, nil
}

var priceDigits = regexp.MustCompile(`(\d+)(?:[.,](\d{1,2}))?`)

// parsePrice turns a localized price string ("€ 1.234,56", "$12.99") into
// cents. Currency symbols and thousand separators are stripped first; a
// trailing 1-2 digit group after '.' or ',' is the fraction.
func parsePrice(raw string) (product.Cents, bool) {
	raw = strings.ReplaceAll(raw, "\u00a0", " ")
	// Drop thousand separators so "1.234,56" parses as 1234,56.
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			return r
		default:
			return -1
		}
	}, raw)
	for {
		if i := strings.IndexAny(cleaned, ".,"); i >= 0 && len(cleaned)-i > 3 {
			cleaned = cleaned[:i] + cleaned[i+1:]
			continue
		}
		break
	}
	m := priceDigits.FindStringSubmatch(cleaned)
	if m == nil {
		return 0, false
	}
	whole, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	cents := whole * 100
	if m[2] != "" {
		frac := m[2]
		if len(frac) == 1 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
		cents += f
	}
	if cents <= 0 {
		return 0, false
	}
	return product.Cents(cents), true
}
