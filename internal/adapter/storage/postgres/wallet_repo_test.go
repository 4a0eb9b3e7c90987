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

func newTestWallet(userID uuid.UUID, mode domain.ValuationMode) *domain.Wallet {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Wallet{
		ID:     uuid.New(),
		UserID: userID,
		Mode:   mode,
		Balance: domain.BucketBalance{
			Available:        decimal.RequireFromString("10.5"),
			Pending:          decimal.RequireFromString("1.25"),
			LockedForPlan:    decimal.Zero,
			ReservedForTrade: decimal.RequireFromString("0.25"),
		},
		TotalCredited: decimal.RequireFromString("20"),
		TotalDebited:  decimal.RequireFromString("8"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func walletCols() []string {
	return []string{"id", "user_id", "mode", "available", "pending", "locked_for_plan",
		"reserved_for_trade", "total_credited", "total_debited", "created_at", "updated_at"}
}

func walletRow(w *domain.Wallet) *pgxmock.Rows {
	b := w.Balance
	return pgxmock.NewRows(walletCols()).AddRow(
		w.ID, w.UserID, w.Mode,
		b.Available.String(), b.Pending.String(), b.LockedForPlan.String(), b.ReservedForTrade.String(),
		w.TotalCredited.String(), w.TotalDebited.String(), w.CreatedAt, w.UpdatedAt,
	)
}

func TestWalletRepo_EnsureForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	fixedNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixedNow }
	w := newTestWallet(uuid.New(), domain.ModeFixed)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallets .+ ON CONFLICT \\(user_id, mode\\) DO NOTHING").
		WithArgs(pgxmock.AnyArg(), w.UserID, domain.ModeFixed, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT .+ FROM wallets WHERE user_id .+ FOR UPDATE").
		WithArgs(w.UserID, domain.ModeFixed).
		WillReturnRows(walletRow(w))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.EnsureForUpdate(context.Background(), tx, w.UserID, domain.ModeFixed)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, w.ID, result.ID)
	assert.Equal(t, domain.ModeFixed, result.Mode)
	assert.True(t, result.Balance.Available.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, result.Conserved())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_Ensure_ReturnsID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	userID, walletID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs(pgxmock.AnyArg(), userID, domain.ModeFloating, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM wallets WHERE user_id").
		WithArgs(userID, domain.ModeFloating).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(walletID))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	id, err := repo.Ensure(context.Background(), tx, userID, domain.ModeFloating)
	require.NoError(t, err)
	assert.Equal(t, walletID, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	w := newTestWallet(uuid.New(), domain.ModeFloating)

	mock.ExpectQuery("SELECT .+ FROM wallets WHERE id").
		WithArgs(w.ID).
		WillReturnRows(walletRow(w))

	result, err := repo.GetByID(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, w.UserID, result.UserID)
	assert.True(t, result.Balance.Pending.Equal(decimal.RequireFromString("1.25")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_GetByUser_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	userID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM wallets WHERE user_id").
		WithArgs(userID, domain.ModeFixed).
		WillReturnRows(pgxmock.NewRows(walletCols()))

	result, err := repo.GetByUser(context.Background(), userID, domain.ModeFixed)
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_GetByIDForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	w := newTestWallet(uuid.New(), domain.ModeFixed)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM wallets WHERE id .+ FOR UPDATE").
		WithArgs(w.ID).
		WillReturnRows(walletRow(w))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.GetByIDForUpdate(context.Background(), tx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, w.ID, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	w := newTestWallet(uuid.New(), domain.ModeFloating)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets SET available").
		WithArgs("10.5", "1.25", "0", "0.25", "20", "8", w.UpdatedAt, w.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Update(context.Background(), tx, w))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepo_Update_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWalletRepo(mock)
	w := newTestWallet(uuid.New(), domain.ModeFloating)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets SET available").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), w.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Update(context.Background(), tx, w)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "wallet not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
