package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotOrigin records why grams entered a FIXED wallet.
type LotOrigin string

const (
	LotOriginPurchase   LotOrigin = "PURCHASE"
	LotOriginTransferIn LotOrigin = "TRANSFER_IN"
	LotOriginConversion LotOrigin = "CONVERSION"
	LotOriginPlanLock   LotOrigin = "PLAN_LOCK"
)

// Lot is an acquisition record of a FIXED wallet. Only RemainingGrams
// changes, and only downwards.
type Lot struct {
	ID                   uuid.UUID       `json:"id"`
	WalletID             uuid.UUID       `json:"wallet_id"`
	Seq                  int64           `json:"seq"`
	Grams                decimal.Decimal `json:"grams"`
	RemainingGrams       decimal.Decimal `json:"remaining_grams"`
	AcquiredPricePerGram decimal.Decimal `json:"acquired_price_per_gram"`
	PriceAsOf            time.Time       `json:"price_as_of"`
	PriceSource          string          `json:"price_source"`
	Origin               LotOrigin       `json:"origin"`
	PlanID               *uuid.UUID      `json:"plan_id,omitempty"`
	AcquiredAt           time.Time       `json:"acquired_at"`
}

// LotSource describes how credited grams enter a FIXED wallet. Lots tied to
// a plan back the lockedForPlan bucket and are skipped by FIFO consumption.
type LotSource struct {
	Price  PriceSnapshot
	Origin LotOrigin
	PlanID *uuid.UUID
}

// Snapshot returns the price the lot was acquired at.
func (l *Lot) Snapshot() PriceSnapshot {
	return PriceSnapshot{PricePerGram: l.AcquiredPricePerGram, AsOf: l.PriceAsOf, Source: l.PriceSource}
}

// Free reports whether the lot is outside any plan lock.
func (l *Lot) Free() bool {
	return l.PlanID == nil
}

// Exhausted reports whether the lot has nothing left to consume.
func (l *Lot) Exhausted() bool {
	return !l.RemainingGrams.IsPositive()
}

// ConsumedLot is the slice taken out of one lot by a FIFO consumption.
type ConsumedLot struct {
	LotID                uuid.UUID       `json:"lot_id"`
	Grams                decimal.Decimal `json:"grams"`
	AcquiredPricePerGram decimal.Decimal `json:"acquired_price_per_gram"`
	PriceAsOf            time.Time       `json:"price_as_of"`
	PriceSource          string          `json:"price_source"`
	RemainingAfter       decimal.Decimal `json:"remaining_after"`
}

// Snapshot returns the price the slice was originally acquired at.
func (c ConsumedLot) Snapshot() PriceSnapshot {
	return PriceSnapshot{PricePerGram: c.AcquiredPricePerGram, AsOf: c.PriceAsOf, Source: c.PriceSource}
}

// PlanConsumption walks lots (already in acquisition order) and returns the
// slices needed to cover grams. lots are not modified.
func PlanConsumption(lots []Lot, grams decimal.Decimal) ([]ConsumedLot, error) {
	if !grams.IsPositive() {
		return nil, ErrInvalidGrams
	}
	need := grams
	var out []ConsumedLot
	for _, l := range lots {
		if need.IsZero() {
			break
		}
		if l.Exhausted() {
			continue
		}
		take := decimal.Min(l.RemainingGrams, need)
		out = append(out, ConsumedLot{
			LotID:                l.ID,
			Grams:                take,
			AcquiredPricePerGram: l.AcquiredPricePerGram,
			PriceAsOf:            l.PriceAsOf,
			PriceSource:          l.PriceSource,
			RemainingAfter:       l.RemainingGrams.Sub(take),
		})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		return nil, ErrInsufficientLotGrams
	}
	return out, nil
}

// RemainingTotal sums RemainingGrams across lots.
func RemainingTotal(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.RemainingGrams)
	}
	return total
}
