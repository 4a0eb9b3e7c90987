package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"goldledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// feedQuote is the JSON body served by a price feed. price_per_gram may be
// a JSON string or number.
type feedQuote struct {
	PricePerGram decimal.Decimal `json:"price_per_gram"`
	AsOf         time.Time       `json:"as_of"`
}

// HTTPFeed reads the spot price from a JSON endpoint.
type HTTPFeed struct {
	url    string
	name   string
	client HTTPClient
	maxAge time.Duration
	now    func() time.Time
}

// NewHTTPFeed creates a feed for rawURL. Readings older than maxAge are rejected.
func NewHTTPFeed(rawURL string, client HTTPClient, maxAge time.Duration) *HTTPFeed {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host
	}
	return &HTTPFeed{url: rawURL, name: name, client: client, maxAge: maxAge, now: time.Now}
}

// Name identifies the feed in snapshots and logs.
func (f *HTTPFeed) Name() string {
	return f.name
}

// SpotPrice implements ports.PriceOracle.
func (f *HTTPFeed) SpotPrice(ctx context.Context) (domain.PriceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: build request: %w", f.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: %w", f.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: status %d: %w", f.name, resp.StatusCode, ErrPriceUnavailable)
	}

	var q feedQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&q); err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: decode: %w", f.name, err)
	}
	if !q.PricePerGram.IsPositive() {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: non-positive price %s: %w", f.name, q.PricePerGram, ErrPriceUnavailable)
	}

	now := f.now().UTC()
	asOf := q.AsOf.UTC()
	if q.AsOf.IsZero() {
		asOf = now
	}
	if f.maxAge > 0 && now.Sub(asOf) > f.maxAge {
		return domain.PriceSnapshot{}, fmt.Errorf("feed %s: quote from %s is stale: %w", f.name, asOf.Format(time.RFC3339), ErrPriceUnavailable)
	}

	return domain.PriceSnapshot{PricePerGram: q.PricePerGram, AsOf: asOf, Source: f.name}, nil
}
