package postgres

import (
	"context"
	"errors"
	"fmt"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const lotColumns = `id, wallet_id, seq, grams::text, remaining_grams::text, acquired_price_per_gram::text,
	price_as_of, price_source, origin, plan_id, acquired_at`

// LotRepo implements ports.LotRepository.
type LotRepo struct {
	pool Pool
}

// NewLotRepo creates a new LotRepo.
func NewLotRepo(pool Pool) *LotRepo {
	return &LotRepo{pool: pool}
}

// Create inserts a lot and fills in its database-assigned sequence number.
func (r *LotRepo) Create(ctx context.Context, tx pgx.Tx, lot *domain.Lot) error {
	query := `INSERT INTO lots (id, wallet_id, grams, remaining_grams, acquired_price_per_gram,
		price_as_of, price_source, origin, plan_id, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`

	err := tx.QueryRow(ctx, query,
		lot.ID, lot.WalletID, lot.Grams.String(), lot.RemainingGrams.String(),
		lot.AcquiredPricePerGram.String(), lot.PriceAsOf, lot.PriceSource,
		lot.Origin, lot.PlanID, lot.AcquiredAt,
	).Scan(&lot.Seq)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

// ListOpenForUpdate locks the wallet's open lots in consumption order.
func (r *LotRepo) ListOpenForUpdate(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) ([]domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE wallet_id = $1 AND remaining_grams > 0
		ORDER BY acquired_at, seq
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, walletID)
	if err != nil {
		return nil, fmt.Errorf("list open lots for update: %w", err)
	}
	return collectLots(rows)
}

// GetForUpdate fetches and locks a single lot.
func (r *LotRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1 FOR UPDATE`

	lot, err := scanLot(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lot for update: %w", err)
	}
	return lot, nil
}

// UpdateRemaining sets a lot's remaining grams. The schema rejects increases.
func (r *LotRepo) UpdateRemaining(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `UPDATE lots SET remaining_grams = $1 WHERE id = $2`, remaining.String(), id)
	if err != nil {
		return fmt.Errorf("update lot remaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot not found: %s", id)
	}
	return nil
}

// ListOpen returns the wallet's open lots in consumption order.
func (r *LotRepo) ListOpen(ctx context.Context, walletID uuid.UUID) ([]domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE wallet_id = $1 AND remaining_grams > 0
		ORDER BY acquired_at, seq`

	rows, err := r.pool.Query(ctx, query, walletID)
	if err != nil {
		return nil, fmt.Errorf("list open lots: %w", err)
	}
	return collectLots(rows)
}

func collectLots(rows pgx.Rows) ([]domain.Lot, error) {
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return lots, nil
}

func scanLot(row pgx.Row) (*domain.Lot, error) {
	lot := &domain.Lot{}
	var grams, remaining, price string
	err := row.Scan(
		&lot.ID, &lot.WalletID, &lot.Seq, &grams, &remaining, &price,
		&lot.PriceAsOf, &lot.PriceSource, &lot.Origin, &lot.PlanID, &lot.AcquiredAt,
	)
	if err != nil {
		return nil, err
	}

	var n numerics
	n.parse(&lot.Grams, grams)
	n.parse(&lot.RemainingGrams, remaining)
	n.parse(&lot.AcquiredPricePerGram, price)
	if n.err != nil {
		return nil, n.err
	}
	return lot, nil
}
