package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is a spot price reading, persisted verbatim wherever a
// mutation depends on it.
type PriceSnapshot struct {
	PricePerGram decimal.Decimal `json:"price_per_gram"`
	AsOf         time.Time       `json:"as_of"`
	Source       string          `json:"source"`
}

// Valid reports whether the snapshot carries a usable price.
func (p PriceSnapshot) Valid() bool {
	return p.PricePerGram.IsPositive()
}
