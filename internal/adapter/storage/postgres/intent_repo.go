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

const intentColumns = `id, kind, from_wallet_id, from_user_id, to_wallet_id, to_user_id, mode,
	grams::text, fee_grams::text, state, reference, expires_at, created_at, updated_at, resolved_at`

// IntentRepo implements ports.IntentRepository.
type IntentRepo struct {
	pool Pool
}

// NewIntentRepo creates a new IntentRepo.
func NewIntentRepo(pool Pool) *IntentRepo {
	return &IntentRepo{pool: pool}
}

// Create inserts an intent within a database transaction.
func (r *IntentRepo) Create(ctx context.Context, tx pgx.Tx, i *domain.Intent) error {
	query := `INSERT INTO intents (id, kind, from_wallet_id, from_user_id, to_wallet_id, to_user_id, mode,
		grams, fee_grams, state, reference, expires_at, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := tx.Exec(ctx, query,
		i.ID, i.Kind, i.FromWalletID, i.FromUserID, i.ToWalletID, i.ToUserID, i.Mode,
		i.Grams.String(), i.FeeGrams.String(), i.State, i.Reference, i.ExpiresAt,
		i.CreatedAt, i.UpdatedAt, i.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// GetByID fetches an intent without locking it.
func (r *IntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1`

	i, err := scanIntent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return i, nil
}

// GetByIDForUpdate fetches and locks an intent within a transaction.
func (r *IntentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1 FOR UPDATE`

	i, err := scanIntent(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get intent for update: %w", err)
	}
	return i, nil
}

// Update persists the mutable fields of an intent.
func (r *IntentRepo) Update(ctx context.Context, tx pgx.Tx, i *domain.Intent) error {
	query := `UPDATE intents SET state = $1, to_wallet_id = $2, updated_at = $3, resolved_at = $4 WHERE id = $5`

	tag, err := tx.Exec(ctx, query, i.State, i.ToWalletID, i.UpdatedAt, i.ResolvedAt, i.ID)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent not found: %s", i.ID)
	}
	return nil
}

// ListByUser returns intents the user sent or received, newest first.
func (r *IntentRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, *i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intents: %w", err)
	}
	return intents, nil
}

// ListExpired returns ids of pending intents whose deadline has passed.
func (r *IntentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM intents
		WHERE state = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired intents: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func scanIntent(row pgx.Row) (*domain.Intent, error) {
	i := &domain.Intent{}
	var grams, fee string
	err := row.Scan(
		&i.ID, &i.Kind, &i.FromWalletID, &i.FromUserID, &i.ToWalletID, &i.ToUserID, &i.Mode,
		&grams, &fee, &i.State, &i.Reference, &i.ExpiresAt,
		&i.CreatedAt, &i.UpdatedAt, &i.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	var n numerics
	n.parse(&i.Grams, grams)
	n.parse(&i.FeeGrams, fee)
	if n.err != nil {
		return nil, n.err
	}
	return i, nil
}
