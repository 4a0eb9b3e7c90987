package postgres

import (
	"context"
	"testing"
	"time"

	"goldledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEntryRepo(mock)
	from, to := domain.BucketAvailable, domain.BucketPending
	e := &domain.LedgerEntry{
		ID:         uuid.New(),
		WalletID:   uuid.New(),
		Kind:       domain.EntryKindMove,
		FromBucket: &from,
		ToBucket:   &to,
		Grams:      decimal.RequireFromString("0.000001"),
		Reference:  "transfer:abc",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(e.ID, e.WalletID, domain.EntryKindMove, &from, &to, "0.000001", "transfer:abc", e.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Create(context.Background(), tx, e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepo_ListByWallet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEntryRepo(mock)
	walletID := uuid.New()
	to := domain.BucketAvailable
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE wallet_id").
		WithArgs(walletID, 20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "wallet_id", "kind", "from_bucket", "to_bucket", "grams", "reference", "created_at"}).
			AddRow(uuid.New(), walletID, domain.EntryKindCredit, (*domain.Bucket)(nil), &to, "2.5", "buy", now))

	entries, err := repo.ListByWallet(context.Background(), walletID, 20)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].FromBucket)
	require.NotNil(t, entries[0].ToBucket)
	assert.Equal(t, domain.BucketAvailable, *entries[0].ToBucket)
	assert.True(t, entries[0].Grams.Equal(decimal.RequireFromString("2.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryRepo_ListByReference(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEntryRepo(mock)
	walletID := uuid.New()
	to := domain.BucketPending
	now := time.Now().UTC().Truncate(time.Microsecond)
	ref := "buy:" + uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE reference").
		WithArgs(ref).
		WillReturnRows(pgxmock.NewRows([]string{"id", "wallet_id", "kind", "from_bucket", "to_bucket", "grams", "reference", "created_at"}).
			AddRow(uuid.New(), walletID, domain.EntryKindCredit, (*domain.Bucket)(nil), &to, "1.25", ref, now))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	entries, err := repo.ListByReference(context.Background(), tx, ref)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, walletID, entries[0].WalletID)
	assert.Equal(t, ref, entries[0].Reference)
	assert.True(t, entries[0].Grams.Equal(decimal.RequireFromString("1.25")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
