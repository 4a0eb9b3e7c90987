package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentKind distinguishes peer transfers from trade reservations.
type IntentKind string

const (
	IntentKindTransfer         IntentKind = "TRANSFER"
	IntentKindTradeReservation IntentKind = "TRADE_RESERVATION"
)

// IntentState is the lifecycle state of an intent.
type IntentState string

const (
	IntentStatePending  IntentState = "PENDING"
	IntentStateAccepted IntentState = "ACCEPTED"
	IntentStateRejected IntentState = "REJECTED"
	IntentStateExpired  IntentState = "EXPIRED"
	IntentStateReleased IntentState = "RELEASED"
)

// Intent is a two-phase movement of grams. While PENDING the grams sit in the
// sender's pending bucket (transfers) or reservedForTrade bucket (reservations).
type Intent struct {
	ID           uuid.UUID       `json:"id"`
	Kind         IntentKind      `json:"kind"`
	FromWalletID uuid.UUID       `json:"from_wallet_id"`
	FromUserID   uuid.UUID       `json:"from_user_id"`
	ToWalletID   *uuid.UUID      `json:"to_wallet_id,omitempty"`
	ToUserID     *uuid.UUID      `json:"to_user_id,omitempty"`
	Mode         ValuationMode   `json:"mode"`
	Grams        decimal.Decimal `json:"grams"`
	FeeGrams     decimal.Decimal `json:"fee_grams"`
	State        IntentState     `json:"state"`
	Reference    string          `json:"reference,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// HeldGrams is what the sender set aside at initiation.
func (i *Intent) HeldGrams() decimal.Decimal {
	return i.Grams.Add(i.FeeGrams)
}

// HoldBucket is the sender bucket the held grams sit in.
func (i *Intent) HoldBucket() Bucket {
	if i.Kind == IntentKindTradeReservation {
		return BucketReservedForTrade
	}
	return BucketPending
}

// IsPending reports whether the intent still awaits a decision.
func (i *Intent) IsPending() bool {
	return i.State == IntentStatePending
}

// IsExpired reports whether a PENDING intent has passed its deadline.
func (i *Intent) IsExpired(now time.Time) bool {
	return i.IsPending() && i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Resolve moves the intent to a terminal state.
func (i *Intent) Resolve(state IntentState, now time.Time) {
	i.State = state
	i.UpdatedAt = now
	i.ResolvedAt = &now
}

// Involves reports whether userID is the sender or the recipient.
func (i *Intent) Involves(userID uuid.UUID) bool {
	return i.FromUserID == userID || (i.ToUserID != nil && *i.ToUserID == userID)
}
