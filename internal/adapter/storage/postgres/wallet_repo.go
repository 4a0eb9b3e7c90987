package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const walletColumns = `id, user_id, mode, available::text, pending::text, locked_for_plan::text,
	reserved_for_trade::text, total_credited::text, total_debited::text, created_at, updated_at`

// WalletRepo implements ports.WalletRepository.
type WalletRepo struct {
	pool Pool
	now  func() time.Time
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool, now: time.Now}
}

// insertIfMissing creates an empty (user, mode) wallet unless one exists.
func (r *WalletRepo) insertIfMissing(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) error {
	query := `INSERT INTO wallets (id, user_id, mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id, mode) DO NOTHING`

	if _, err := tx.Exec(ctx, query, uuid.New(), userID, mode, r.now().UTC()); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

// EnsureForUpdate creates the wallet if needed and locks it (SELECT ... FOR UPDATE).
func (r *WalletRepo) EnsureForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error) {
	if err := r.insertIfMissing(ctx, tx, userID, mode); err != nil {
		return nil, err
	}
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND mode = $2 FOR UPDATE`

	w, err := scanWallet(tx.QueryRow(ctx, query, userID, mode))
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("wallet vanished after ensure: %s/%s", userID, mode)
	}
	return w, nil
}

// Ensure creates the wallet if needed and returns its id without locking it.
func (r *WalletRepo) Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (uuid.UUID, error) {
	if err := r.insertIfMissing(ctx, tx, userID, mode); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM wallets WHERE user_id = $1 AND mode = $2`, userID, mode).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get wallet id: %w", err)
	}
	return id, nil
}

// GetByIDForUpdate fetches and locks a wallet row within a transaction.
func (r *WalletRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`

	w, err := scanWallet(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get wallet for update: %w", err)
	}
	return w, nil
}

// GetByID fetches a wallet by its primary key.
func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get wallet by id: %w", err)
	}
	return w, nil
}

// GetByUser fetches the user's wallet of the given mode.
func (r *WalletRepo) GetByUser(ctx context.Context, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND mode = $2`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, userID, mode))
	if err != nil {
		return nil, fmt.Errorf("get wallet by user: %w", err)
	}
	return w, nil
}

// Update writes every bucket and running total within a transaction.
func (r *WalletRepo) Update(ctx context.Context, tx pgx.Tx, w *domain.Wallet) error {
	query := `UPDATE wallets SET available = $1, pending = $2, locked_for_plan = $3,
		reserved_for_trade = $4, total_credited = $5, total_debited = $6, updated_at = $7
		WHERE id = $8`

	b := w.Balance
	tag, err := tx.Exec(ctx, query,
		b.Available.String(), b.Pending.String(), b.LockedForPlan.String(),
		b.ReservedForTrade.String(), w.TotalCredited.String(), w.TotalDebited.String(),
		w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", w.ID)
	}
	return nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	var available, pending, locked, reserved, credited, debited string
	err := row.Scan(
		&w.ID, &w.UserID, &w.Mode,
		&available, &pending, &locked, &reserved, &credited, &debited,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var n numerics
	n.parse(&w.Balance.Available, available)
	n.parse(&w.Balance.Pending, pending)
	n.parse(&w.Balance.LockedForPlan, locked)
	n.parse(&w.Balance.ReservedForTrade, reserved)
	n.parse(&w.TotalCredited, credited)
	n.parse(&w.TotalDebited, debited)
	if n.err != nil {
		return nil, n.err
	}
	return w, nil
}
