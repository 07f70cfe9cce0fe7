package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pricewatch/internal/product"
	logx "pricewatch/pkg/logx"
)

// KeepaConfig configures the JSON API driver.
type KeepaConfig struct {
	BaseURL      string
	APIKey       string
	Domain       string // marketplace domain suffix, e.g. "it"
	BatchSize    int
	Timeout      time.Duration
	AffiliateTag string
}

// keepaDriver talks to a keepa-style pricing API. Prices arrive in integer
// cents; a value <= 0 means the product is currently unavailable.
type keepaDriver struct {
	cfg  KeepaConfig
	http *http.Client
	log  logx.Logger
}

// externalRefPattern extracts the stable product id (ASIN-equivalent) from a
// marketplace URL.
var externalRefPattern = regexp.MustCompile(`https?://(?:www\.)?amazon\.[a-z.]{2,6}/(?:[^"'/]*/?){0,8}(?:dp|gp/product)/([A-Z0-9]{10})(?:[/?]|$)`)

// ExtractProductID parses the stable identifier out of a marketplace URL.
func ExtractProductID(externalRef string) (string, bool) {
	m := externalRefPattern.FindStringSubmatch(strings.TrimSpace(externalRef))
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// AffiliateRef appends the affiliate tag to a marketplace URL.
func AffiliateRef(externalRef, tag string) string {
	if tag == "" {
		return externalRef
	}
	if strings.Contains(externalRef, "?") {
		return externalRef + "&tag=" + tag
	}
	return externalRef + "?tag=" + tag
}

func NewKeepa(cfg KeepaConfig, log logx.Logger) (Driver, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("source.base_url is required for the keepa driver")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("source.api_key is required for the keepa driver")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &keepaDriver{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

func (d *keepaDriver) BatchSize() int { return d.cfg.BatchSize }

// Wire format of the upstream product payload.
type keepaProduct struct {
	ASIN       string  `json:"asin"`
	Title      string  `json:"title"`
	ImagesCSV  string  `json:"imagesCSV"`
	Delisted   bool    `json:"delisted"`
	Timestamps []int64 `json:"timestamps"` // unix seconds, 5-minute buckets
	Prices     []int64 `json:"prices"`     // cents; <= 0 means unavailable
}

type keepaResponse struct {
	Products []keepaProduct `json:"products"`
	Error    string         `json:"error,omitempty"`
}

func (d *keepaDriver) Fetch(ctx context.Context, productID string) (product.Snapshot, error) {
	got, errs := d.query(ctx, []string{productID})
	if snap, ok := got[productID]; ok {
		return snap, nil
	}
	if err, ok := errs[productID]; ok {
		return product.Snapshot{}, err
	}
	return product.Snapshot{}, newError(KindNotFound, productID, "not in response")
}

func (d *keepaDriver) FetchBatch(ctx context.Context, productIDs []string) (map[string]product.Snapshot, map[string]error) {
	return d.query(ctx, productIDs)
}

func (d *keepaDriver) query(ctx context.Context, productIDs []string) (map[string]product.Snapshot, map[string]error) {
	resp, err := d.request(ctx, productIDs)
	if err != nil {
		errs := make(map[string]error, len(productIDs))
		for _, id := range productIDs {
			errs[id] = err
		}
		return nil, errs
	}

	now := time.Now()
	out := make(map[string]product.Snapshot, len(resp.Products))
	errs := map[string]error{}
	for _, kp := range resp.Products {
		if kp.Delisted {
			errs[kp.ASIN] = newError(KindDelisted, kp.ASIN, "delisted upstream")
			continue
		}
		price, ok := latestPrice(kp)
		out[kp.ASIN] = product.Snapshot{
			ProductID: kp.ASIN,
			Price:     price,
			FetchedAt: now,
			Available: ok,
		}
	}
	return out, errs
}

func (d *keepaDriver) request(ctx context.Context, productIDs []string) (*keepaResponse, error) {
	q := url.Values{}
	q.Set("key", d.cfg.APIKey)
	if d.cfg.Domain != "" {
		q.Set("domain", d.cfg.Domain)
	}
	q.Set("asin", strings.Join(productIDs, ","))
	endpoint := strings.TrimRight(d.cfg.BaseURL, "/") + "/product?" + q.Encode()

	var out *keepaResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := d.http.Do(req)
		if err != nil {
			// Connection-level blip; worth one quick retry inside the
			// caller's deadline. Scheduling-level backoff is the monitor's.
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(newError(KindRateLimited, "", "upstream returned 429"))
		case res.StatusCode == http.StatusNotFound:
			return backoff.Permanent(newError(KindNotFound, "", "upstream returned 404"))
		case res.StatusCode >= 500:
			return backoff.Permanent(newError(KindUnavailable, "", "upstream returned %d", res.StatusCode))
		case res.StatusCode != http.StatusOK:
			return backoff.Permanent(newError(KindUnknown, "", "unexpected status %d", res.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		if err != nil {
			return err
		}
		var kr keepaResponse
		if err := json.Unmarshal(body, &kr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if kr.Error != "" {
			return backoff.Permanent(newError(KindUnavailable, "", "upstream error: %s", kr.Error))
		}
		out = &kr
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &Error{Kind: classifyNetErr(err), Msg: "request failed", Err: err}
	}
	return out, nil
}

func classifyNetErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// latestPrice returns the newest purchasable price in the series.
func latestPrice(kp keepaProduct) (product.Cents, bool) {
	if len(kp.Prices) == 0 {
		return 0, false
	}
	last := kp.Prices[len(kp.Prices)-1]
	if last <= 0 {
		return 0, false
	}
	return product.Cents(last), true
}

func (d *keepaDriver) Lookup(ctx context.Context, externalRef string) (*Info, error) {
	id, ok := ExtractProductID(externalRef)
	if !ok {
		return nil, newError(KindNotFound, "", "no product id in %q", externalRef)
	}
	resp, err := d.request(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(resp.Products) == 0 {
		return nil, newError(KindNotFound, id, "empty response")
	}
	kp := resp.Products[0]
	if kp.Delisted {
		return nil, newError(KindDelisted, id, "delisted upstream")
	}

	info := &Info{
		ID:          id,
		ExternalRef: AffiliateRef(externalRef, d.cfg.AffiliateTag),
		Title:       kp.Title,
		ImageRef:    firstImage(kp.ImagesCSV),
	}
	if price, ok := latestPrice(kp); ok {
		info.CurrentPrice = price
	}
	for i, ts := range kp.Timestamps {
		if i >= len(kp.Prices) || kp.Prices[i] <= 0 {
			continue
		}
		cents := product.Cents(kp.Prices[i])
		info.History = append(info.History, product.PricePoint{At: time.Unix(ts, 0), Price: cents})
		if info.AllTimeMin == 0 || cents < info.AllTimeMin {
			info.AllTimeMin = cents
		}
	}
	return info, nil
}

func firstImage(csv string) string {
	if csv == "" {
		return ""
	}
	if i := strings.IndexByte(csv, ','); i >= 0 {
		return csv[:i]
	}
	return csv
}
