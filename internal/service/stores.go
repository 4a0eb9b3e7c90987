package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Stores bundles the persistence ports shared by the engine services.
type Stores struct {
	Wallets     ports.WalletRepository
	Lots        ports.LotRepository
	Entries     ports.EntryRepository
	Intents     ports.IntentRepository
	Plans       ports.PlanRepository
	Idempotency ports.IdempotencyRepository
	Transactor  ports.DBTransactor
}

// lockWallets locks every wallet in ascending id order and returns them
// keyed by id. Duplicate ids are locked once.
func lockWallets(ctx context.Context, tx pgx.Tx, repo ports.WalletRepository, ids ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	sorted := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	out := make(map[uuid.UUID]*domain.Wallet, len(sorted))
	for _, id := range sorted {
		w, err := repo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, storageError(fmt.Errorf("lock wallet: %w", err))
		}
		if w == nil {
			return nil, apperror.ErrNotFound("wallet")
		}
		out[id] = w
	}
	return out, nil
}

// lockOwnedWallet locks a wallet and checks it belongs to userID.
func lockOwnedWallet(ctx context.Context, tx pgx.Tx, repo ports.WalletRepository, userID, walletID uuid.UUID) (*domain.Wallet, error) {
	w, err := repo.GetByIDForUpdate(ctx, tx, walletID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock wallet: %w", err))
	}
	if w == nil {
		return nil, apperror.ErrNotFound("wallet")
	}
	if w.UserID != userID {
		return nil, apperror.ErrForbidden()
	}
	return w, nil
}

// ownedWallet loads a wallet and checks it belongs to userID.
func ownedWallet(ctx context.Context, repo ports.WalletRepository, userID, walletID uuid.UUID) (*domain.Wallet, error) {
	w, err := repo.GetByID(ctx, walletID)
	if err != nil {
		return nil, storageError(fmt.Errorf("get wallet: %w", err))
	}
	if w == nil {
		return nil, apperror.ErrNotFound("wallet")
	}
	if w.UserID != userID {
		return nil, apperror.ErrForbidden()
	}
	return w, nil
}

// spotPrice reads the oracle once. Failure fails the whole operation.
func spotPrice(ctx context.Context, oracle ports.PriceOracle) (domain.PriceSnapshot, error) {
	snap, err := oracle.SpotPrice(ctx)
	if err != nil {
		return domain.PriceSnapshot{}, apperror.ErrOracleUnavailable(err)
	}
	if !snap.Valid() {
		return domain.PriceSnapshot{}, apperror.ErrOracleUnavailable(fmt.Errorf("non-positive price %s from %s", snap.PricePerGram, snap.Source))
	}
	return snap, nil
}

func reference(kind string, id uuid.UUID) string {
	return kind + ":" + id.String()
}
