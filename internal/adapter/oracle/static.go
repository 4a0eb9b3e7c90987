package oracle

import (
	"context"
	"time"

	"goldledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// Static always returns the same price, stamped with the current time.
type Static struct {
	price decimal.Decimal
	now   func() time.Time
}

// NewStatic creates a fixed-price oracle.
func NewStatic(price decimal.Decimal) *Static {
	return &Static{price: price, now: time.Now}
}

// SpotPrice implements ports.PriceOracle.
func (s *Static) SpotPrice(_ context.Context) (domain.PriceSnapshot, error) {
	return domain.PriceSnapshot{PricePerGram: s.price, AsOf: s.now().UTC(), Source: "static"}, nil
}
