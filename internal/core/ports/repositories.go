package ports

import (
	"context"
	"time"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// WalletRepository defines persistence operations for wallets.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic locking.
type WalletRepository interface {
	// EnsureForUpdate creates the (user, mode) wallet if it does not exist
	// and returns it locked.
	EnsureForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error)
	// Ensure creates the (user, mode) wallet if needed and returns its id
	// without locking it.
	Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (uuid.UUID, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByUser(ctx context.Context, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error)
	Update(ctx context.Context, tx pgx.Tx, wallet *domain.Wallet) error
}

// LotRepository defines persistence for FIXED-mode acquisition lots.
type LotRepository interface {
	Create(ctx context.Context, tx pgx.Tx, lot *domain.Lot) error
	// ListOpenForUpdate returns the wallet's lots with remaining grams in
	// (acquired_at, seq) order, locked.
	ListOpenForUpdate(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) ([]domain.Lot, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Lot, error)
	UpdateRemaining(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining decimal.Decimal) error
	ListOpen(ctx context.Context, walletID uuid.UUID) ([]domain.Lot, error)
}

// EntryRepository defines persistence for the append-only ledger entries.
type EntryRepository interface {
	Create(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error
	ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
	// ListByReference returns every entry carrying reference, oldest first.
	ListByReference(ctx context.Context, tx pgx.Tx, reference string) ([]domain.LedgerEntry, error)
}

// IntentRepository defines persistence for transfer and reservation intents.
type IntentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, intent *domain.Intent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Intent, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Intent, error)
	Update(ctx context.Context, tx pgx.Tx, intent *domain.Intent) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Intent, error)
	// ListExpired returns ids of PENDING intents whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// DistributionRef identifies one distribution of a plan.
type DistributionRef struct {
	PlanID uuid.UUID
	Index  int
}

// PlanRepository defines persistence for BNSL plans and their distributions.
type PlanRepository interface {
	// Create stores the plan and its distribution schedule.
	Create(ctx context.Context, tx pgx.Tx, plan *domain.Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Plan, error)
	Update(ctx context.Context, tx pgx.Tx, plan *domain.Plan) error
	UpdateDistribution(ctx context.Context, tx pgx.Tx, dist *domain.Distribution) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Plan, error)
	// ListDue returns PENDING distributions of ACTIVE plans due at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]DistributionRef, error)
	// ListMaturable returns ACTIVE plans past maturity with every distribution PAID.
	ListMaturable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// IdempotencyRepository defines persistence for idempotency logs (DB backup).
type IdempotencyRepository interface {
	Create(ctx context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error
	Get(ctx context.Context, key string) (*domain.IdempotencyLog, error)
}

// AuditRepository persists audit log rows.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
