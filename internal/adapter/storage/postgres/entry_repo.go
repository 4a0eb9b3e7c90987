package postgres

import (
	"context"
	"fmt"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EntryRepo implements ports.EntryRepository. Entries are insert-only.
type EntryRepo struct {
	pool Pool
}

// NewEntryRepo creates a new EntryRepo.
func NewEntryRepo(pool Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

// Create appends a ledger entry within a database transaction.
func (r *EntryRepo) Create(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (id, wallet_id, kind, from_bucket, to_bucket, grams, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		e.ID, e.WalletID, e.Kind, e.FromBucket, e.ToBucket, e.Grams.String(), e.Reference, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListByReference returns every entry with the given reference, oldest first.
func (r *EntryRepo) ListByReference(ctx context.Context, tx pgx.Tx, reference string) ([]domain.LedgerEntry, error) {
	query := `SELECT id, wallet_id, kind, from_bucket, to_bucket, grams::text, reference, created_at
		FROM ledger_entries WHERE reference = $1
		ORDER BY created_at, id`

	rows, err := tx.Query(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries by reference: %w", err)
	}
	return scanEntries(rows)
}

// ListByWallet returns the newest entries of a wallet first.
func (r *EntryRepo) ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT id, wallet_id, kind, from_bucket, to_bucket, grams::text, reference, created_at
		FROM ledger_entries WHERE wallet_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var grams string
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Kind, &e.FromBucket, &e.ToBucket, &grams, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		var n numerics
		n.parse(&e.Grams, grams)
		if n.err != nil {
			return nil, n.err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}
