package postgres

import (
	"context"
	"testing"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planCols() []string {
	return []string{"id", "user_id", "wallet_id", "source_wallet_id", "lot_id", "principal_grams",
		"locked_price_per_gram", "price_as_of", "price_source", "tenor_months", "annual_rate_percent",
		"start_date", "maturity_date", "status", "penalty_grams", "closed_at", "created_at", "updated_at"}
}

func distCols() []string {
	return []string{"plan_id", "idx", "due_date", "fixed_usd_amount", "settled_grams",
		"settlement_price_per_gram", "settlement_price_as_of", "settlement_price_source", "status", "paid_at"}
}

func newTestPlan() *domain.Plan {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	p := &domain.Plan{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		WalletID:           uuid.New(),
		SourceWalletID:     uuid.New(),
		LotID:              uuid.New(),
		PrincipalGrams:     decimal.RequireFromString("100"),
		LockedPricePerGram: decimal.RequireFromString("150"),
		PriceAsOf:          start,
		PriceSource:        "static",
		TenorMonths:        6,
		AnnualRatePercent:  decimal.RequireFromString("12"),
		StartDate:          start,
		MaturityDate:       start.AddDate(0, 6, 0),
		Status:             domain.PlanStatusActive,
		PenaltyGrams:       decimal.Zero,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	for i := 0; i < domain.DistributionCount(p.TenorMonths); i++ {
		p.Distributions = append(p.Distributions, domain.Distribution{
			PlanID:         p.ID,
			Index:          i,
			DueDate:        domain.DueDate(start, i),
			FixedUSDAmount: decimal.RequireFromString("450"),
			Status:         domain.DistributionStatusPending,
		})
	}
	return p
}

func planRow(p *domain.Plan) *pgxmock.Rows {
	return pgxmock.NewRows(planCols()).AddRow(
		p.ID, p.UserID, p.WalletID, p.SourceWalletID, p.LotID, p.PrincipalGrams.String(),
		p.LockedPricePerGram.String(), p.PriceAsOf, p.PriceSource, p.TenorMonths, p.AnnualRatePercent.String(),
		p.StartDate, p.MaturityDate, p.Status, p.PenaltyGrams.String(), p.ClosedAt, p.CreatedAt, p.UpdatedAt,
	)
}

func distRows(dists ...domain.Distribution) *pgxmock.Rows {
	rows := pgxmock.NewRows(distCols())
	for _, d := range dists {
		rows.AddRow(d.PlanID, d.Index, d.DueDate, d.FixedUSDAmount.String(), d.SettledGrams.String(),
			d.SettlementPricePerGram.String(), d.SettlementPriceAsOf, d.SettlementPriceSource, d.Status, d.PaidAt)
	}
	return rows
}

func TestPlanRepo_Create_InsertsSchedule(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	p := newTestPlan()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bnsl_plans").
		WithArgs(p.ID, p.UserID, p.WalletID, p.SourceWalletID, p.LotID, "100", "150", p.PriceAsOf, "static",
			6, "12", p.StartDate, p.MaturityDate, domain.PlanStatusActive, "0", p.ClosedAt, p.CreatedAt, p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	for _, d := range p.Distributions {
		mock.ExpectExec("INSERT INTO bnsl_distributions").
			WithArgs(p.ID, d.Index, d.DueDate, "450", "0", "0", d.SettlementPriceAsOf, "",
				domain.DistributionStatusPending, d.PaidAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Create(context.Background(), tx, p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_GetByIDForUpdate_LoadsDistributions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	p := newTestPlan()
	paidAt := p.Distributions[0].DueDate
	p.Distributions[0].Status = domain.DistributionStatusPaid
	p.Distributions[0].SettledGrams = decimal.RequireFromString("3.214286")
	p.Distributions[0].SettlementPricePerGram = decimal.RequireFromString("140")
	p.Distributions[0].SettlementPriceAsOf = &paidAt
	p.Distributions[0].SettlementPriceSource = "static"
	p.Distributions[0].PaidAt = &paidAt

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM bnsl_plans WHERE id .+ FOR UPDATE").
		WithArgs(p.ID).
		WillReturnRows(planRow(p))
	mock.ExpectQuery("SELECT .+ FROM bnsl_distributions WHERE plan_id = ANY").
		WithArgs([]uuid.UUID{p.ID}).
		WillReturnRows(distRows(p.Distributions...))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.GetByIDForUpdate(context.Background(), tx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Distributions, 2)
	assert.Equal(t, domain.DistributionStatusPaid, result.Distributions[0].Status)
	assert.True(t, result.Distributions[0].SettledGrams.Equal(decimal.RequireFromString("3.214286")))
	assert.Len(t, result.Unpaid(), 1)
	assert.True(t, result.AnnualRatePercent.Equal(decimal.RequireFromString("12")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM bnsl_plans WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(planCols()))

	result, err := repo.GetByID(context.Background(), id)
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	p := newTestPlan()
	closed := p.MaturityDate
	p.Status = domain.PlanStatusEarlyTerminated
	p.PenaltyGrams = decimal.RequireFromString("5")
	p.ClosedAt = &closed

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bnsl_plans SET status").
		WithArgs(domain.PlanStatusEarlyTerminated, "5", &closed, p.UpdatedAt, p.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Update(context.Background(), tx, p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_UpdateDistribution_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	d := newTestPlan().Distributions[1]

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bnsl_distributions SET settled_grams").
		WithArgs("0", "0", d.SettlementPriceAsOf, "", domain.DistributionStatusPending, d.PaidAt, d.PlanID, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.UpdateDistribution(context.Background(), tx, &d)
	assert.ErrorContains(t, err, "distribution not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_ListByUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	p := newTestPlan()

	mock.ExpectQuery("SELECT .+ FROM bnsl_plans WHERE user_id").
		WithArgs(p.UserID).
		WillReturnRows(planRow(p))
	mock.ExpectQuery("SELECT .+ FROM bnsl_distributions WHERE plan_id = ANY").
		WithArgs([]uuid.UUID{p.ID}).
		WillReturnRows(distRows(p.Distributions...))

	plans, err := repo.ListByUser(context.Background(), p.UserID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Distributions, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_ListByUser_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	userID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM bnsl_plans WHERE user_id").
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(planCols()))

	plans, err := repo.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, plans)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_ListDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	now := time.Now().UTC()
	planID := uuid.New()

	mock.ExpectQuery("SELECT d.plan_id, d.idx FROM bnsl_distributions d JOIN bnsl_plans p").
		WithArgs(now, 500).
		WillReturnRows(pgxmock.NewRows([]string{"plan_id", "idx"}).AddRow(planID, 0).AddRow(planID, 1))

	refs, err := repo.ListDue(context.Background(), now, 500)
	require.NoError(t, err)
	assert.Equal(t, []ports.DistributionRef{{PlanID: planID, Index: 0}, {PlanID: planID, Index: 1}}, refs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanRepo_ListMaturable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPlanRepo(mock)
	now := time.Now().UTC()
	id := uuid.New()

	mock.ExpectQuery("SELECT p.id FROM bnsl_plans p .+ NOT EXISTS").
		WithArgs(now, 500).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))

	ids, err := repo.ListMaturable(context.Background(), now, 500)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
