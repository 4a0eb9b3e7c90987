package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValuationMode decides how a wallet's grams are valued.
type ValuationMode string

const (
	// ModeFloating wallets track the live spot price and keep a single running balance.
	ModeFloating ValuationMode = "FLOATING"
	// ModeFixed wallets value each lot at its acquisition price and consume lots FIFO.
	ModeFixed ValuationMode = "FIXED"
)

// Valid reports whether m is a known valuation mode.
func (m ValuationMode) Valid() bool {
	return m == ModeFloating || m == ModeFixed
}

// Opposite returns the other valuation mode.
func (m ValuationMode) Opposite() ValuationMode {
	if m == ModeFixed {
		return ModeFloating
	}
	return ModeFixed
}

// Wallet is the single mutable summary row per (user, valuation mode).
// TotalCredited and TotalDebited are running sums over the wallet's life.
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Mode          ValuationMode   `json:"mode"`
	Balance       BucketBalance   `json:"balance"`
	TotalCredited decimal.Decimal `json:"total_credited"`
	TotalDebited  decimal.Decimal `json:"total_debited"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewWallet returns an empty wallet for user in mode.
func NewWallet(userID uuid.UUID, mode ValuationMode, now time.Time) *Wallet {
	return &Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Conserved reports whether the buckets add up to everything ever credited
// minus everything ever debited.
func (w *Wallet) Conserved() bool {
	return w.Balance.Total().Equal(w.TotalCredited.Sub(w.TotalDebited))
}
