package service

import (
	"context"
	"fmt"
	"time"

	"goldledger/internal/core/conversion"
	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger owns the balance primitives. Every method runs inside the caller's
// transaction against a wallet the caller has already locked, validates
// against an in-memory copy of the buckets, then persists the wallet row and
// one ledger entry.
type Ledger struct {
	wallets ports.WalletRepository
	lots    ports.LotRepository
	entries ports.EntryRepository
	log     zerolog.Logger
	now     func() time.Time
}

// NewLedger creates a new Ledger.
func NewLedger(
	wallets ports.WalletRepository,
	lots ports.LotRepository,
	entries ports.EntryRepository,
	log zerolog.Logger,
) *Ledger {
	return &Ledger{
		wallets: wallets,
		lots:    lots,
		entries: entries,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MoveBucket shifts grams between two buckets of the same wallet.
func (l *Ledger) MoveBucket(ctx context.Context, tx pgx.Tx, w *domain.Wallet, from, to domain.Bucket, grams decimal.Decimal, ref string) error {
	next, err := w.Balance.Move(from, to, grams)
	if err != nil {
		return l.reject(w, "move", err)
	}
	w.Balance = next
	return l.persist(ctx, tx, w, &domain.LedgerEntry{
		Kind:       domain.EntryKindMove,
		FromBucket: &from,
		ToBucket:   &to,
		Grams:      grams,
		Reference:  ref,
	})
}

// Credit adds grams to bucket. FIXED wallets record a new lot from src;
// FLOATING wallets only grow the running total and ignore src.
func (l *Ledger) Credit(
	ctx context.Context,
	tx pgx.Tx,
	w *domain.Wallet,
	bucket domain.Bucket,
	grams decimal.Decimal,
	src *domain.LotSource,
	ref string,
) (*domain.Lot, error) {
	if w.Mode == domain.ModeFixed && (src == nil || !src.Price.Valid()) {
		return nil, l.reject(w, "credit", domain.ErrMissingPrice)
	}
	next, err := w.Balance.Credit(bucket, grams)
	if err != nil {
		return nil, l.reject(w, "credit", err)
	}

	var lot *domain.Lot
	if w.Mode == domain.ModeFixed {
		if lot, err = l.AddLot(ctx, tx, w, grams, *src); err != nil {
			return nil, err
		}
	}

	w.Balance = next
	w.TotalCredited = w.TotalCredited.Add(grams)
	if err := l.persist(ctx, tx, w, &domain.LedgerEntry{
		Kind:      domain.EntryKindCredit,
		ToBucket:  &bucket,
		Grams:     grams,
		Reference: ref,
	}); err != nil {
		return nil, err
	}
	return lot, nil
}

// Debit removes grams from bucket. FIXED wallets consume lots FIFO and
// return the slices taken.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, w *domain.Wallet, bucket domain.Bucket, grams decimal.Decimal, ref string) ([]domain.ConsumedLot, error) {
	next, err := w.Balance.Debit(bucket, grams)
	if err != nil {
		return nil, l.reject(w, "debit", err)
	}

	var consumed []domain.ConsumedLot
	if w.Mode == domain.ModeFixed {
		if consumed, err = l.Consume(ctx, tx, w, grams); err != nil {
			return nil, err
		}
	}

	w.Balance = next
	w.TotalDebited = w.TotalDebited.Add(grams)
	if err := l.persist(ctx, tx, w, &domain.LedgerEntry{
		Kind:       domain.EntryKindDebit,
		FromBucket: &bucket,
		Grams:      grams,
		Reference:  ref,
	}); err != nil {
		return nil, err
	}
	return consumed, nil
}

// DebitLot removes grams from bucket, drawing them from one specific lot
// instead of FIFO order. Used for plan lots.
func (l *Ledger) DebitLot(ctx context.Context, tx pgx.Tx, w *domain.Wallet, bucket domain.Bucket, lotID uuid.UUID, grams decimal.Decimal, ref string) (*domain.ConsumedLot, error) {
	if w.Mode != domain.ModeFixed {
		return nil, l.reject(w, "debit lot", domain.ErrModeMismatch)
	}
	next, err := w.Balance.Debit(bucket, grams)
	if err != nil {
		return nil, l.reject(w, "debit lot", err)
	}

	lot, err := l.lots.GetForUpdate(ctx, tx, lotID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock lot: %w", err))
	}
	if lot == nil || lot.WalletID != w.ID {
		return nil, l.reject(w, "debit lot", fmt.Errorf("%w: lot %s not held by wallet", domain.ErrInsufficientLotGrams, lotID))
	}
	slices, err := domain.PlanConsumption([]domain.Lot{*lot}, grams)
	if err != nil {
		return nil, l.reject(w, "debit lot", err)
	}
	if err := l.lots.UpdateRemaining(ctx, tx, lot.ID, slices[0].RemainingAfter); err != nil {
		return nil, storageError(fmt.Errorf("update lot: %w", err))
	}

	w.Balance = next
	w.TotalDebited = w.TotalDebited.Add(grams)
	if err := l.persist(ctx, tx, w, &domain.LedgerEntry{
		Kind:       domain.EntryKindDebit,
		FromBucket: &bucket,
		Grams:      grams,
		Reference:  ref,
	}); err != nil {
		return nil, err
	}
	return &slices[0], nil
}

// AddLot records an acquisition on a FIXED wallet. Lots are never merged.
func (l *Ledger) AddLot(ctx context.Context, tx pgx.Tx, w *domain.Wallet, grams decimal.Decimal, src domain.LotSource) (*domain.Lot, error) {
	if w.Mode != domain.ModeFixed {
		return nil, l.reject(w, "add lot", domain.ErrModeMismatch)
	}
	if !domain.ValidGrams(grams) {
		return nil, apperror.ErrInvalidGrams()
	}
	if !src.Price.Valid() {
		return nil, l.reject(w, "add lot", domain.ErrMissingPrice)
	}

	lot := &domain.Lot{
		ID:                   uuid.New(),
		WalletID:             w.ID,
		Grams:                grams,
		RemainingGrams:       grams,
		AcquiredPricePerGram: src.Price.PricePerGram,
		PriceAsOf:            src.Price.AsOf,
		PriceSource:          src.Price.Source,
		Origin:               src.Origin,
		PlanID:               src.PlanID,
		AcquiredAt:           l.now(),
	}
	if err := l.lots.Create(ctx, tx, lot); err != nil {
		return nil, storageError(fmt.Errorf("insert lot: %w", err))
	}
	return lot, nil
}

// ReleaseLot frees what is left of a plan lot: the plan lot is exhausted and
// an unbound lot with the same price takes its remaining grams. Bucket totals
// are unchanged; the caller moves the grams out of lockedForPlan.
func (l *Ledger) ReleaseLot(ctx context.Context, tx pgx.Tx, w *domain.Wallet, lotID uuid.UUID) (*domain.Lot, error) {
	lot, err := l.lots.GetForUpdate(ctx, tx, lotID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock lot: %w", err))
	}
	if lot == nil || lot.WalletID != w.ID {
		return nil, l.reject(w, "release lot", fmt.Errorf("%w: lot %s not held by wallet", domain.ErrInsufficientLotGrams, lotID))
	}
	if lot.Exhausted() {
		return nil, nil
	}
	if err := l.lots.UpdateRemaining(ctx, tx, lot.ID, decimal.Zero); err != nil {
		return nil, storageError(fmt.Errorf("update lot: %w", err))
	}
	return l.AddLot(ctx, tx, w, lot.RemainingGrams, domain.LotSource{Price: lot.Snapshot(), Origin: lot.Origin})
}

// Consume takes grams from the wallet's unbound lots oldest first. Running
// out of lot grams while the buckets say otherwise is a consistency failure.
func (l *Ledger) Consume(ctx context.Context, tx pgx.Tx, w *domain.Wallet, grams decimal.Decimal) ([]domain.ConsumedLot, error) {
	open, err := l.lots.ListOpenForUpdate(ctx, tx, w.ID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock lots: %w", err))
	}
	free := open[:0]
	for _, lot := range open {
		if lot.Free() {
			free = append(free, lot)
		}
	}
	slices, err := domain.PlanConsumption(free, grams)
	if err != nil {
		return nil, l.reject(w, "consume", err)
	}
	for _, s := range slices {
		if err := l.lots.UpdateRemaining(ctx, tx, s.LotID, s.RemainingAfter); err != nil {
			return nil, storageError(fmt.Errorf("update lot: %w", err))
		}
	}
	return slices, nil
}

// WeightedAveragePrice is the acquisition price of the wallet's remaining
// grams. Display only.
func (l *Ledger) WeightedAveragePrice(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	open, err := l.lots.ListOpen(ctx, walletID)
	if err != nil {
		return decimal.Zero, storageError(fmt.Errorf("list lots: %w", err))
	}
	return conversion.WeightedAverage(open), nil
}

func (l *Ledger) persist(ctx context.Context, tx pgx.Tx, w *domain.Wallet, entry *domain.LedgerEntry) error {
	if !w.Conserved() {
		return l.reject(w, "persist", fmt.Errorf("buckets total %s, credited %s, debited %s",
			w.Balance.Total(), w.TotalCredited, w.TotalDebited))
	}
	now := l.now()
	w.UpdatedAt = now
	if err := l.wallets.Update(ctx, tx, w); err != nil {
		return storageError(fmt.Errorf("update wallet: %w", err))
	}

	entry.ID = uuid.New()
	entry.WalletID = w.ID
	entry.CreatedAt = now
	if err := l.entries.Create(ctx, tx, entry); err != nil {
		return storageError(fmt.Errorf("insert ledger entry: %w", err))
	}
	return nil
}

// reject converts a validation failure into an AppError. Anything that is
// not a plain client mistake is logged as a ledger desync.
func (l *Ledger) reject(w *domain.Wallet, op string, err error) error {
	mapped := ledgerError(err)
	if appErr, ok := apperror.As(mapped); ok && appErr.HTTPStatus < 500 {
		return mapped
	}
	l.log.Error().Err(err).
		Str("wallet_id", w.ID.String()).
		Str("mode", string(w.Mode)).
		Str("op", op).
		Msg("ledger consistency check failed")
	return apperror.ErrConsistency(err)
}
