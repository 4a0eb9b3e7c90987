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
	"github.com/rs/zerolog"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

// WalletServiceImpl implements ports.WalletService.
type WalletServiceImpl struct {
	stores      Stores
	ledger      *Ledger
	oracle      ports.PriceOracle
	idem        *idempotency
	notifier    ports.Notifier
	purchaseFee conversion.FeeSpec
	log         zerolog.Logger
	now         func() time.Time
}

// NewWalletService creates a new WalletServiceImpl.
func NewWalletService(
	stores Stores,
	ledger *Ledger,
	oracle ports.PriceOracle,
	idempCache ports.IdempotencyCache,
	notifier ports.Notifier,
	purchaseFee conversion.FeeSpec,
	log zerolog.Logger,
) *WalletServiceImpl {
	now := func() time.Time { return time.Now().UTC() }
	return &WalletServiceImpl{
		stores:      stores,
		ledger:      ledger,
		oracle:      oracle,
		idem:        &idempotency{repo: stores.Idempotency, cache: idempCache, log: log, now: now},
		notifier:    notifier,
		purchaseFee: purchaseFee,
		log:         log,
		now:         now,
	}
}

// GetWalletSummary returns both bucket sets of a user. Missing wallets read
// as zero balances.
func (s *WalletServiceImpl) GetWalletSummary(ctx context.Context, userID uuid.UUID) (*ports.WalletSummary, error) {
	summary := &ports.WalletSummary{UserID: userID}

	floating, err := s.stores.Wallets.GetByUser(ctx, userID, domain.ModeFloating)
	if err != nil {
		return nil, storageError(fmt.Errorf("get floating wallet: %w", err))
	}
	if floating != nil {
		summary.FloatingWalletID = &floating.ID
		summary.Floating = floating.Balance
	}

	fixed, err := s.stores.Wallets.GetByUser(ctx, userID, domain.ModeFixed)
	if err != nil {
		return nil, storageError(fmt.Errorf("get fixed wallet: %w", err))
	}
	if fixed != nil {
		summary.FixedWalletID = &fixed.ID
		summary.Fixed = fixed.Balance
		if summary.WeightedAvgFixedPrice, err = s.ledger.WeightedAveragePrice(ctx, fixed.ID); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// BuyGold converts USD to grams at spot, deducts the purchase fee and
// credits the rest into pending until the payment settles.
func (s *WalletServiceImpl) BuyGold(ctx context.Context, req ports.BuyRequest) (*ports.PurchaseResult, error) {
	if !req.Mode.Valid() {
		return nil, apperror.Validation("mode must be FLOATING or FIXED")
	}
	if !req.USDAmount.IsPositive() {
		return nil, apperror.Validation("usd_amount must be greater than zero")
	}

	idempKey := idempotencyKey(req.UserID, "buy", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[ports.PurchaseResult](cached)
	}

	snap, err := spotPrice(ctx, s.oracle)
	if err != nil {
		return nil, err
	}
	gross := conversion.USDToGrams(req.USDAmount, snap.PricePerGram)
	fee := conversion.ApplyFee(gross, s.purchaseFee, snap.PricePerGram)
	net := gross.Sub(fee)
	if !net.IsPositive() {
		return nil, apperror.ErrInvalidGrams()
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	w, err := s.stores.Wallets.EnsureForUpdate(ctx, dbTx, req.UserID, req.Mode)
	if err != nil {
		return nil, storageError(fmt.Errorf("ensure wallet: %w", err))
	}

	purchaseID := uuid.New()
	lot, err := s.ledger.Credit(ctx, dbTx, w, domain.BucketPending, net,
		&domain.LotSource{Price: snap, Origin: domain.LotOriginPurchase}, reference("buy", purchaseID))
	if err != nil {
		return nil, err
	}

	result := &ports.PurchaseResult{PurchaseID: purchaseID, Wallet: w, Lot: lot, Grams: net, FeeGrams: fee, Price: snap}
	respJSON, err := s.idem.record(ctx, dbTx, idempKey, purchaseID, result)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("purchase_id", purchaseID.String()).
		Str("wallet_id", w.ID.String()).
		Str("mode", string(w.Mode)).
		Str("usd", req.USDAmount.String()).
		Str("grams", net.String()).
		Str("fee_grams", fee.String()).
		Str("price", snap.PricePerGram.String()).
		Msg("purchase credited to pending")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventPurchaseCredited, req.UserID, w.ID, result, s.now()))

	return result, nil
}

// ConfirmCredit releases one purchase's grams from pending to available
// once its payment settles. Only the grams that purchase credited move, and
// a second confirmation of the same purchase returns the wallet unchanged.
func (s *WalletServiceImpl) ConfirmCredit(ctx context.Context, req ports.ConfirmCreditRequest) (*domain.Wallet, error) {
	if req.PurchaseID == uuid.Nil {
		return nil, apperror.Validation("purchase_id is required")
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	credits, err := s.stores.Entries.ListByReference(ctx, dbTx, reference("buy", req.PurchaseID))
	if err != nil {
		return nil, storageError(fmt.Errorf("find purchase: %w", err))
	}
	credit := pendingCredit(credits)
	if credit == nil {
		return nil, apperror.ErrNotFound("purchase")
	}

	w, err := s.stores.Wallets.GetByIDForUpdate(ctx, dbTx, credit.WalletID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock wallet: %w", err))
	}
	if w == nil {
		return nil, apperror.ErrNotFound("wallet")
	}

	confirmRef := reference("confirm", req.PurchaseID)
	confirmed, err := s.stores.Entries.ListByReference(ctx, dbTx, confirmRef)
	if err != nil {
		return nil, storageError(fmt.Errorf("find confirmation: %w", err))
	}
	if len(confirmed) > 0 {
		return w, nil
	}

	if err := s.ledger.MoveBucket(ctx, dbTx, w, domain.BucketPending, domain.BucketAvailable, credit.Grams, confirmRef); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("purchase_id", req.PurchaseID.String()).
		Str("wallet_id", w.ID.String()).
		Str("grams", credit.Grams.String()).
		Msg("purchase confirmed")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventPurchaseConfirmed, w.UserID, w.ID, w, s.now()))
	return w, nil
}

// pendingCredit picks the purchase's credit into pending out of its entries.
func pendingCredit(entries []domain.LedgerEntry) *domain.LedgerEntry {
	for i := range entries {
		e := &entries[i]
		if e.Kind == domain.EntryKindCredit && e.ToBucket != nil && *e.ToBucket == domain.BucketPending {
			return e
		}
	}
	return nil
}

// Withdraw removes grams from available and values them at spot.
func (s *WalletServiceImpl) Withdraw(ctx context.Context, req ports.WithdrawRequest) (*ports.WithdrawResult, error) {
	if !domain.ValidGrams(req.Grams) {
		return nil, apperror.ErrInvalidGrams()
	}

	idempKey := idempotencyKey(req.UserID, "withdraw", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[ports.WithdrawResult](cached)
	}

	snap, err := spotPrice(ctx, s.oracle)
	if err != nil {
		return nil, err
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	w, err := lockOwnedWallet(ctx, dbTx, s.stores.Wallets, req.UserID, req.WalletID)
	if err != nil {
		return nil, err
	}

	withdrawalID := uuid.New()
	consumed, err := s.ledger.Debit(ctx, dbTx, w, domain.BucketAvailable, req.Grams, reference("withdraw", withdrawalID))
	if err != nil {
		return nil, err
	}

	result := &ports.WithdrawResult{
		Wallet:   w,
		Grams:    req.Grams,
		USDValue: conversion.GramsToUSD(req.Grams, snap.PricePerGram),
		Consumed: consumed,
		Price:    snap,
	}
	respJSON, err := s.idem.record(ctx, dbTx, idempKey, withdrawalID, result)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("wallet_id", w.ID.String()).
		Str("grams", req.Grams.String()).
		Str("usd_value", result.USDValue.String()).
		Int("lots_consumed", len(consumed)).
		Msg("withdrawal completed")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventWithdrawalCompleted, req.UserID, w.ID, result, s.now()))

	return result, nil
}

// ConvertMode moves available grams between the user's FLOATING and FIXED
// wallets. Entering FIXED opens a CONVERSION lot at spot; leaving it
// consumes lots FIFO.
func (s *WalletServiceImpl) ConvertMode(ctx context.Context, req ports.ConvertRequest) (*ports.ConvertResult, error) {
	if !req.From.Valid() {
		return nil, apperror.Validation("from must be FLOATING or FIXED")
	}
	if !domain.ValidGrams(req.Grams) {
		return nil, apperror.ErrInvalidGrams()
	}

	idempKey := idempotencyKey(req.UserID, "convert", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[ports.ConvertResult](cached)
	}

	snap, err := spotPrice(ctx, s.oracle)
	if err != nil {
		return nil, err
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	fromID, err := s.stores.Wallets.Ensure(ctx, dbTx, req.UserID, req.From)
	if err != nil {
		return nil, storageError(fmt.Errorf("ensure wallet: %w", err))
	}
	toID, err := s.stores.Wallets.Ensure(ctx, dbTx, req.UserID, req.From.Opposite())
	if err != nil {
		return nil, storageError(fmt.Errorf("ensure wallet: %w", err))
	}
	locked, err := lockWallets(ctx, dbTx, s.stores.Wallets, fromID, toID)
	if err != nil {
		return nil, err
	}
	from, to := locked[fromID], locked[toID]

	conversionID := uuid.New()
	ref := reference("convert", conversionID)
	result := &ports.ConvertResult{From: from, To: to, Price: snap}

	if result.Consumed, err = s.ledger.Debit(ctx, dbTx, from, domain.BucketAvailable, req.Grams, ref); err != nil {
		return nil, err
	}
	if result.Lot, err = s.ledger.Credit(ctx, dbTx, to, domain.BucketAvailable, req.Grams,
		&domain.LotSource{Price: snap, Origin: domain.LotOriginConversion}, ref); err != nil {
		return nil, err
	}

	respJSON, err := s.idem.record(ctx, dbTx, idempKey, conversionID, result)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("user_id", req.UserID.String()).
		Str("from", string(req.From)).
		Str("grams", req.Grams.String()).
		Str("price", snap.PricePerGram.String()).
		Msg("valuation mode converted")

	return result, nil
}

// ListLots returns the wallet's lots that still hold grams, oldest first.
func (s *WalletServiceImpl) ListLots(ctx context.Context, userID, walletID uuid.UUID) ([]domain.Lot, error) {
	w, err := ownedWallet(ctx, s.stores.Wallets, userID, walletID)
	if err != nil {
		return nil, err
	}
	if w.Mode != domain.ModeFixed {
		return []domain.Lot{}, nil
	}
	lots, err := s.stores.Lots.ListOpen(ctx, w.ID)
	if err != nil {
		return nil, storageError(fmt.Errorf("list lots: %w", err))
	}
	return lots, nil
}

// ListEntries returns the wallet's most recent ledger entries.
func (s *WalletServiceImpl) ListEntries(ctx context.Context, userID, walletID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	w, err := ownedWallet(ctx, s.stores.Wallets, userID, walletID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	entries, err := s.stores.Entries.ListByWallet(ctx, w.ID, limit)
	if err != nil {
		return nil, storageError(fmt.Errorf("list entries: %w", err))
	}
	return entries, nil
}

func idempotencyKey(userID uuid.UUID, operation, clientKey string) string {
	if clientKey == "" {
		return ""
	}
	return domain.BuildIdempotencyKey(userID, operation, clientKey)
}

var _ ports.WalletService = (*WalletServiceImpl)(nil)
