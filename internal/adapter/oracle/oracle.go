// Package oracle provides spot price sources for gold in USD per gram.
// Every source fails closed: an error is returned instead of a stale or
// guessed price.
package oracle

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"goldledger/config"
	"goldledger/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable indicates no acceptable price could be produced.
var ErrPriceUnavailable = errors.New("price unavailable")

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultMaxAge bounds how old a feed reading may be.
const DefaultMaxAge = 5 * time.Minute

// New builds the configured oracle. "http" median-combines every feed URL;
// "static" serves a fixed price.
func New(cfg config.OracleConfig, log zerolog.Logger) (ports.PriceOracle, error) {
	switch cfg.Provider {
	case "static":
		price, err := decimal.NewFromString(cfg.StaticPrice)
		if err != nil {
			return nil, fmt.Errorf("oracle static_price %q: %w", cfg.StaticPrice, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("oracle static_price must be positive, got %s", price)
		}
		return NewStatic(price), nil

	case "http":
		if len(cfg.FeedURLs) == 0 {
			return nil, errors.New("oracle provider http needs at least one feed_urls entry")
		}
		client := &http.Client{Timeout: cfg.Timeout}
		feeds := make([]ports.PriceOracle, 0, len(cfg.FeedURLs))
		for _, u := range cfg.FeedURLs {
			feeds = append(feeds, NewHTTPFeed(u, client, DefaultMaxAge))
		}
		return NewMedian(feeds, decimal.NewFromFloat(cfg.MaxDeviation), 1, log), nil

	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}
