package ports

import (
	"context"
	"time"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceOracle returns the current gold spot price in USD per gram.
// Implementations fail closed: no stale or guessed prices.
type PriceOracle interface {
	SpotPrice(ctx context.Context) (domain.PriceSnapshot, error)
}

// Notifier delivers committed events to users. Delivery is best effort;
// callers log failures and never roll back.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// TokenService validates bearer tokens issued by the identity provider.
type TokenService interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID uuid.UUID
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// AuditService records audited actions without blocking the caller.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// --- Service Ports (Business Logic) ---

// WalletService exposes balances and the single-wallet mutations.
type WalletService interface {
	GetWalletSummary(ctx context.Context, userID uuid.UUID) (*WalletSummary, error)
	BuyGold(ctx context.Context, req BuyRequest) (*PurchaseResult, error)
	ConfirmCredit(ctx context.Context, req ConfirmCreditRequest) (*domain.Wallet, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error)
	ConvertMode(ctx context.Context, req ConvertRequest) (*ConvertResult, error)
	ListLots(ctx context.Context, userID, walletID uuid.UUID) ([]domain.Lot, error)
	ListEntries(ctx context.Context, userID, walletID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

// WalletSummary is the per-user view across both valuation modes.
type WalletSummary struct {
	UserID                uuid.UUID            `json:"user_id"`
	FloatingWalletID      *uuid.UUID           `json:"floating_wallet_id,omitempty"`
	FixedWalletID         *uuid.UUID           `json:"fixed_wallet_id,omitempty"`
	Floating              domain.BucketBalance `json:"floating"`
	Fixed                 domain.BucketBalance `json:"fixed"`
	WeightedAvgFixedPrice decimal.Decimal      `json:"weighted_avg_fixed_price"`
}

// BuyRequest credits grams bought for USDAmount into the pending bucket.
type BuyRequest struct {
	UserID         uuid.UUID
	Mode           domain.ValuationMode
	USDAmount      decimal.Decimal
	IdempotencyKey string
}

// PurchaseResult reports a purchase credited into pending. PurchaseID is
// what the payment side passes to ConfirmCredit once the USD settles.
type PurchaseResult struct {
	PurchaseID uuid.UUID            `json:"purchase_id"`
	Wallet     *domain.Wallet       `json:"wallet"`
	Lot        *domain.Lot          `json:"lot,omitempty"`
	Grams      decimal.Decimal      `json:"grams"`
	FeeGrams   decimal.Decimal      `json:"fee_grams"`
	Price      domain.PriceSnapshot `json:"price"`
}

// ConfirmCreditRequest releases one purchase's grams from pending once its
// payment settles.
type ConfirmCreditRequest struct {
	PurchaseID uuid.UUID
}

// WithdrawRequest removes grams from a wallet's available bucket.
type WithdrawRequest struct {
	UserID         uuid.UUID
	WalletID       uuid.UUID
	Grams          decimal.Decimal
	IdempotencyKey string
}

// WithdrawResult reports the grams removed and their value at spot.
type WithdrawResult struct {
	Wallet   *domain.Wallet       `json:"wallet"`
	Grams    decimal.Decimal      `json:"grams"`
	USDValue decimal.Decimal      `json:"usd_value"`
	Consumed []domain.ConsumedLot `json:"consumed,omitempty"`
	Price    domain.PriceSnapshot `json:"price"`
}

// ConvertRequest moves available grams between the user's two wallets.
type ConvertRequest struct {
	UserID         uuid.UUID
	From           domain.ValuationMode
	Grams          decimal.Decimal
	IdempotencyKey string
}

// ConvertResult reports both wallets after a conversion.
type ConvertResult struct {
	From     *domain.Wallet       `json:"from"`
	To       *domain.Wallet       `json:"to"`
	Lot      *domain.Lot          `json:"lot,omitempty"`
	Consumed []domain.ConsumedLot `json:"consumed,omitempty"`
	Price    domain.PriceSnapshot `json:"price"`
}

// TransferService runs the two-phase transfer and reservation protocol.
type TransferService interface {
	InitiateTransfer(ctx context.Context, req TransferRequest) (*domain.Intent, error)
	AcceptTransfer(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error)
	RejectTransfer(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error)
	ReserveForTrade(ctx context.Context, req ReservationRequest) (*domain.Intent, error)
	ReleaseReservation(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error)
	GetIntent(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error)
	ListIntents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Intent, error)
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// TransferRequest holds validated input for a P2P transfer.
// Either ToWalletID or ToUserID identifies the recipient.
type TransferRequest struct {
	FromUserID     uuid.UUID
	FromWalletID   uuid.UUID
	ToWalletID     *uuid.UUID
	ToUserID       *uuid.UUID
	Grams          decimal.Decimal
	Reference      string
	IdempotencyKey string
}

// ReservationRequest locks grams for a pending trade. A nil TTL keeps the
// reservation until it is released.
type ReservationRequest struct {
	UserID         uuid.UUID
	WalletID       uuid.UUID
	Grams          decimal.Decimal
	TTL            *time.Duration
	Reference      string
	IdempotencyKey string
}

// PlanService runs the BNSL plan lifecycle.
type PlanService interface {
	OpenPlan(ctx context.Context, req OpenPlanRequest) (*domain.Plan, error)
	SettleDistribution(ctx context.Context, planID uuid.UUID, index int) (*domain.Distribution, error)
	SettleDueDistributions(ctx context.Context, now time.Time) (*SettlementReport, error)
	MatureOrTerminate(ctx context.Context, req ClosePlanRequest) (*domain.Plan, error)
	MatureDuePlans(ctx context.Context, now time.Time) (int, error)
	GetPlan(ctx context.Context, userID, planID uuid.UUID) (*domain.Plan, error)
	ListPlans(ctx context.Context, userID uuid.UUID) ([]domain.Plan, error)
}

// OpenPlanRequest holds validated input for opening a BNSL plan.
type OpenPlanRequest struct {
	UserID            uuid.UUID
	WalletID          uuid.UUID
	Grams             decimal.Decimal
	TenorMonths       int
	AnnualRatePercent decimal.Decimal
	IdempotencyKey    string
}

// ClosePlanRequest matures or terminates a plan. PenaltyPercent overrides
// the configured early exit penalty.
type ClosePlanRequest struct {
	UserID         uuid.UUID
	PlanID         uuid.UUID
	PenaltyPercent *decimal.Decimal
}

// SettlementReport summarises one SettleDueDistributions run.
type SettlementReport struct {
	Price   domain.PriceSnapshot `json:"price"`
	Settled []SettledItem        `json:"settled"`
	Failed  []FailedItem         `json:"failed"`
}

// SettledItem is one distribution paid by a batch run.
type SettledItem struct {
	PlanID       uuid.UUID       `json:"plan_id"`
	Index        int             `json:"index"`
	SettledGrams decimal.Decimal `json:"settled_grams"`
}

// FailedItem is one distribution a batch run could not settle.
type FailedItem struct {
	PlanID uuid.UUID `json:"plan_id"`
	Index  int       `json:"index"`
	Error  string    `json:"error"`
}
