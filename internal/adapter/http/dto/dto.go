package dto

import (
	"strings"
	"time"

	"goldledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// Gram and USD quantities travel as decimal strings so no precision is lost
// in JSON number parsing. The pos_decimal validator rejects anything that is
// not a strictly positive decimal; grams additionally allows at most six
// decimal places.

// BuyRequest is the request body for POST /api/v1/wallets/buy.
type BuyRequest struct {
	Mode      string `json:"mode" binding:"required,oneof=FLOATING FIXED"`
	USDAmount string `json:"usd_amount" binding:"required,pos_decimal"`
}

// WithdrawRequest is the request body for POST /api/v1/wallets/:id/withdraw.
type WithdrawRequest struct {
	Grams string `json:"grams" binding:"required,grams"`
}

// ConvertRequest is the request body for POST /api/v1/wallets/convert.
type ConvertRequest struct {
	From  string `json:"from" binding:"required,oneof=FLOATING FIXED"`
	Grams string `json:"grams" binding:"required,grams"`
}

// TransferRequest is the request body for POST /api/v1/transfers.
// Exactly one of ToWalletID or ToUserID must be set.
type TransferRequest struct {
	FromWalletID string  `json:"from_wallet_id" binding:"required,uuid"`
	ToWalletID   *string `json:"to_wallet_id,omitempty" binding:"omitempty,uuid"`
	ToUserID     *string `json:"to_user_id,omitempty" binding:"omitempty,uuid"`
	Grams        string  `json:"grams" binding:"required,grams"`
	Reference    string  `json:"reference,omitempty" binding:"omitempty,max=100,safe_id"`
}

// HasSingleRecipient reports whether exactly one recipient field is set.
func (r TransferRequest) HasSingleRecipient() bool {
	return (r.ToWalletID == nil) != (r.ToUserID == nil)
}

// ReservationRequest is the request body for POST /api/v1/reservations.
type ReservationRequest struct {
	WalletID   string `json:"wallet_id" binding:"required,uuid"`
	Grams      string `json:"grams" binding:"required,grams"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty" binding:"omitempty,gt=0,lte=2592000"`
	Reference  string `json:"reference,omitempty" binding:"omitempty,max=100,safe_id"`
}

// TTL returns the requested hold duration, or nil for the engine default.
func (r ReservationRequest) TTL() *time.Duration {
	if r.TTLSeconds == nil {
		return nil
	}
	d := time.Duration(*r.TTLSeconds) * time.Second
	return &d
}

// OpenPlanRequest is the request body for POST /api/v1/plans.
type OpenPlanRequest struct {
	WalletID          string `json:"wallet_id" binding:"required,uuid"`
	Grams             string `json:"grams" binding:"required,grams"`
	TenorMonths       int    `json:"tenor_months" binding:"required,gt=0"`
	AnnualRatePercent string `json:"annual_rate_percent" binding:"required,pos_decimal"`
}

// ClosePlanRequest is the optional request body for POST /api/v1/plans/:id/close.
type ClosePlanRequest struct {
	PenaltyPercent *string `json:"penalty_percent,omitempty"`
}

// SettleDueRequest is the optional body of the internal settlement hook.
// An empty At means "now".
type SettleDueRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// ListResponse wraps a collection.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// NewList builds a ListResponse, never returning a null items array.
func NewList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// ParseDecimal parses a validated decimal string field.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(raw))
}

// ParseGrams parses a gram quantity, rejecting values that are not positive
// or carry more decimal places than the ledger stores.
func ParseGrams(raw string) (decimal.Decimal, error) {
	g, err := ParseDecimal(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !domain.ValidGrams(g) {
		return decimal.Zero, domain.ErrInvalidGrams
	}
	return g, nil
}
