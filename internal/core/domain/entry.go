package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind is the primitive that produced a ledger entry.
type EntryKind string

const (
	EntryKindCredit EntryKind = "CREDIT"
	EntryKindDebit  EntryKind = "DEBIT"
	EntryKindMove   EntryKind = "MOVE"
)

// LedgerEntry is the append-only record of one balance mutation.
type LedgerEntry struct {
	ID         uuid.UUID       `json:"id"`
	WalletID   uuid.UUID       `json:"wallet_id"`
	Kind       EntryKind       `json:"kind"`
	FromBucket *Bucket         `json:"from_bucket,omitempty"`
	ToBucket   *Bucket         `json:"to_bucket,omitempty"`
	Grams      decimal.Decimal `json:"grams"`
	Reference  string          `json:"reference"`
	CreatedAt  time.Time       `json:"created_at"`
}
