package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const planColumns = `id, user_id, wallet_id, source_wallet_id, lot_id, principal_grams::text,
	locked_price_per_gram::text, price_as_of, price_source, tenor_months, annual_rate_percent::text,
	start_date, maturity_date, status, penalty_grams::text, closed_at, created_at, updated_at`

const distributionColumns = `plan_id, idx, due_date, fixed_usd_amount::text, settled_grams::text,
	settlement_price_per_gram::text, settlement_price_as_of, settlement_price_source, status, paid_at`

// queryer is satisfied by both Pool and pgx.Tx.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PlanRepo implements ports.PlanRepository over bnsl_plans and bnsl_distributions.
type PlanRepo struct {
	pool Pool
}

// NewPlanRepo creates a new PlanRepo.
func NewPlanRepo(pool Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

// Create inserts the plan row and its full distribution schedule.
func (r *PlanRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Plan) error {
	query := `INSERT INTO bnsl_plans (id, user_id, wallet_id, source_wallet_id, lot_id, principal_grams,
		locked_price_per_gram, price_as_of, price_source, tenor_months, annual_rate_percent,
		start_date, maturity_date, status, penalty_grams, closed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := tx.Exec(ctx, query,
		p.ID, p.UserID, p.WalletID, p.SourceWalletID, p.LotID, p.PrincipalGrams.String(),
		p.LockedPricePerGram.String(), p.PriceAsOf, p.PriceSource, p.TenorMonths,
		p.AnnualRatePercent.String(), p.StartDate, p.MaturityDate, p.Status,
		p.PenaltyGrams.String(), p.ClosedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	distQuery := `INSERT INTO bnsl_distributions (plan_id, idx, due_date, fixed_usd_amount, settled_grams,
		settlement_price_per_gram, settlement_price_as_of, settlement_price_source, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for _, d := range p.Distributions {
		_, err := tx.Exec(ctx, distQuery,
			p.ID, d.Index, d.DueDate, d.FixedUSDAmount.String(), d.SettledGrams.String(),
			d.SettlementPricePerGram.String(), d.SettlementPriceAsOf, d.SettlementPriceSource,
			d.Status, d.PaidAt,
		)
		if err != nil {
			return fmt.Errorf("insert distribution %d: %w", d.Index, err)
		}
	}
	return nil
}

// GetByID fetches a plan with its distributions.
func (r *PlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM bnsl_plans WHERE id = $1`
	return r.get(ctx, r.pool.QueryRow(ctx, query, id), r.pool)
}

// GetByIDForUpdate locks the plan row and loads its distributions.
// Distribution rows are only written while the plan row is held.
func (r *PlanRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM bnsl_plans WHERE id = $1 FOR UPDATE`
	return r.get(ctx, tx.QueryRow(ctx, query, id), tx)
}

func (r *PlanRepo) get(ctx context.Context, row pgx.Row, q queryer) (*domain.Plan, error) {
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	dists, err := loadDistributions(ctx, q, []uuid.UUID{p.ID})
	if err != nil {
		return nil, err
	}
	p.Distributions = dists[p.ID]
	return p, nil
}

// Update persists the plan's lifecycle fields.
func (r *PlanRepo) Update(ctx context.Context, tx pgx.Tx, p *domain.Plan) error {
	query := `UPDATE bnsl_plans SET status = $1, penalty_grams = $2, closed_at = $3, updated_at = $4 WHERE id = $5`

	tag, err := tx.Exec(ctx, query, p.Status, p.PenaltyGrams.String(), p.ClosedAt, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan not found: %s", p.ID)
	}
	return nil
}

// UpdateDistribution persists the settlement fields of one distribution.
func (r *PlanRepo) UpdateDistribution(ctx context.Context, tx pgx.Tx, d *domain.Distribution) error {
	query := `UPDATE bnsl_distributions SET settled_grams = $1, settlement_price_per_gram = $2,
		settlement_price_as_of = $3, settlement_price_source = $4, status = $5, paid_at = $6
		WHERE plan_id = $7 AND idx = $8`

	tag, err := tx.Exec(ctx, query,
		d.SettledGrams.String(), d.SettlementPricePerGram.String(), d.SettlementPriceAsOf,
		d.SettlementPriceSource, d.Status, d.PaidAt, d.PlanID, d.Index,
	)
	if err != nil {
		return fmt.Errorf("update distribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("distribution not found: %s/%d", d.PlanID, d.Index)
	}
	return nil
}

// ListByUser returns the user's plans, newest first, with distributions.
func (r *PlanRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM bnsl_plans WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	if len(plans) == 0 {
		return plans, nil
	}

	ids := make([]uuid.UUID, len(plans))
	for i := range plans {
		ids[i] = plans[i].ID
	}
	dists, err := loadDistributions(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		plans[i].Distributions = dists[plans[i].ID]
	}
	return plans, nil
}

// ListDue returns pending distributions of active plans that are due.
func (r *PlanRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]ports.DistributionRef, error) {
	query := `SELECT d.plan_id, d.idx FROM bnsl_distributions d
		JOIN bnsl_plans p ON p.id = d.plan_id
		WHERE p.status = 'ACTIVE' AND d.status = 'PENDING' AND d.due_date <= $1
		ORDER BY d.due_date, d.plan_id, d.idx
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due distributions: %w", err)
	}
	defer rows.Close()

	var refs []ports.DistributionRef
	for rows.Next() {
		var ref ports.DistributionRef
		if err := rows.Scan(&ref.PlanID, &ref.Index); err != nil {
			return nil, fmt.Errorf("scan due distribution: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due distributions: %w", err)
	}
	return refs, nil
}

// ListMaturable returns active plans past maturity whose distributions are all paid.
func (r *PlanRepo) ListMaturable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT p.id FROM bnsl_plans p
		WHERE p.status = 'ACTIVE' AND p.maturity_date <= $1
		AND NOT EXISTS (
			SELECT 1 FROM bnsl_distributions d WHERE d.plan_id = p.id AND d.status <> 'PAID'
		)
		ORDER BY p.maturity_date
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list maturable plans: %w", err)
	}
	return collectIDs(rows)
}

func loadDistributions(ctx context.Context, q queryer, planIDs []uuid.UUID) (map[uuid.UUID][]domain.Distribution, error) {
	query := `SELECT ` + distributionColumns + ` FROM bnsl_distributions
		WHERE plan_id = ANY($1)
		ORDER BY plan_id, idx`

	rows, err := q.Query(ctx, query, planIDs)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]domain.Distribution, len(planIDs))
	for rows.Next() {
		var d domain.Distribution
		var usd, grams, price string
		err := rows.Scan(
			&d.PlanID, &d.Index, &d.DueDate, &usd, &grams, &price,
			&d.SettlementPriceAsOf, &d.SettlementPriceSource, &d.Status, &d.PaidAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		var n numerics
		n.parse(&d.FixedUSDAmount, usd)
		n.parse(&d.SettledGrams, grams)
		n.parse(&d.SettlementPricePerGram, price)
		if n.err != nil {
			return nil, n.err
		}
		out[d.PlanID] = append(out[d.PlanID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distributions: %w", err)
	}
	return out, nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	p := &domain.Plan{}
	var principal, price, rate, penalty string
	err := row.Scan(
		&p.ID, &p.UserID, &p.WalletID, &p.SourceWalletID, &p.LotID, &principal,
		&price, &p.PriceAsOf, &p.PriceSource, &p.TenorMonths, &rate,
		&p.StartDate, &p.MaturityDate, &p.Status, &penalty, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var n numerics
	n.parse(&p.PrincipalGrams, principal)
	n.parse(&p.LockedPricePerGram, price)
	n.parse(&p.AnnualRatePercent, rate)
	n.parse(&p.PenaltyGrams, penalty)
	if n.err != nil {
		return nil, n.err
	}
	return p, nil
}
