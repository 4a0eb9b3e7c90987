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
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultEarlyExitPenaltyPercent applies when no penalty is configured.
var DefaultEarlyExitPenaltyPercent = decimal.NewFromInt(5)

const defaultSettleBatchLimit = 500

var hundredPercent = decimal.NewFromInt(100)

// PlanServiceImpl implements ports.PlanService.
type PlanServiceImpl struct {
	stores         Stores
	ledger         *Ledger
	oracle         ports.PriceOracle
	idem           *idempotency
	notifier       ports.Notifier
	penaltyPercent decimal.Decimal
	batchLimit     int
	log            zerolog.Logger
	now            func() time.Time
}

// NewPlanService creates a new PlanServiceImpl.
func NewPlanService(
	stores Stores,
	ledger *Ledger,
	oracle ports.PriceOracle,
	idempCache ports.IdempotencyCache,
	notifier ports.Notifier,
	penaltyPercent decimal.Decimal,
	batchLimit int,
	log zerolog.Logger,
) *PlanServiceImpl {
	if penaltyPercent.IsNegative() || penaltyPercent.GreaterThan(hundredPercent) {
		penaltyPercent = DefaultEarlyExitPenaltyPercent
	}
	if batchLimit <= 0 {
		batchLimit = defaultSettleBatchLimit
	}
	now := func() time.Time { return time.Now().UTC() }
	return &PlanServiceImpl{
		stores:         stores,
		ledger:         ledger,
		oracle:         oracle,
		idem:           &idempotency{repo: stores.Idempotency, cache: idempCache, log: log, now: now},
		notifier:       notifier,
		penaltyPercent: penaltyPercent,
		batchLimit:     batchLimit,
		log:            log,
		now:            now,
	}
}

// OpenPlan locks principal grams at the current spot price and schedules
// the quarterly fixed-USD distributions.
func (s *PlanServiceImpl) OpenPlan(ctx context.Context, req ports.OpenPlanRequest) (*domain.Plan, error) {
	if !domain.ValidTenor(req.TenorMonths) {
		return nil, apperror.ErrInvalidTenor()
	}
	if !domain.ValidGrams(req.Grams) {
		return nil, apperror.ErrInvalidGrams()
	}
	if !req.AnnualRatePercent.IsPositive() {
		return nil, apperror.Validation("annual_rate_percent must be greater than zero")
	}

	idempKey := idempotencyKey(req.UserID, "plan", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[domain.Plan](cached)
	}

	source, err := ownedWallet(ctx, s.stores.Wallets, req.UserID, req.WalletID)
	if err != nil {
		return nil, err
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

	now := s.now()
	plan := &domain.Plan{
		ID:                 uuid.New(),
		UserID:             req.UserID,
		SourceWalletID:     source.ID,
		PrincipalGrams:     req.Grams,
		LockedPricePerGram: snap.PricePerGram,
		PriceAsOf:          snap.AsOf,
		PriceSource:        snap.Source,
		TenorMonths:        req.TenorMonths,
		AnnualRatePercent:  req.AnnualRatePercent,
		StartDate:          now,
		MaturityDate:       now.AddDate(0, req.TenorMonths, 0),
		Status:             domain.PlanStatusActive,
		PenaltyGrams:       decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	ref := reference("bnsl", plan.ID)
	lotSrc := domain.LotSource{Price: snap, Origin: domain.LotOriginPlanLock, PlanID: &plan.ID}

	var lot *domain.Lot
	switch source.Mode {
	case domain.ModeFixed:
		w, err := lockOwnedWallet(ctx, dbTx, s.stores.Wallets, req.UserID, source.ID)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.MoveBucket(ctx, dbTx, w, domain.BucketAvailable, domain.BucketLockedForPlan, req.Grams, ref); err != nil {
			return nil, err
		}
		// re-lot the principal at the plan price
		if _, err := s.ledger.Consume(ctx, dbTx, w, req.Grams); err != nil {
			return nil, err
		}
		if lot, err = s.ledger.AddLot(ctx, dbTx, w, req.Grams, lotSrc); err != nil {
			return nil, err
		}
		plan.WalletID = w.ID
	default:
		fixedID, err := s.stores.Wallets.Ensure(ctx, dbTx, req.UserID, domain.ModeFixed)
		if err != nil {
			return nil, storageError(fmt.Errorf("ensure fixed wallet: %w", err))
		}
		locked, err := lockWallets(ctx, dbTx, s.stores.Wallets, source.ID, fixedID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.Debit(ctx, dbTx, locked[source.ID], domain.BucketAvailable, req.Grams, ref); err != nil {
			return nil, err
		}
		if lot, err = s.ledger.Credit(ctx, dbTx, locked[fixedID], domain.BucketLockedForPlan, req.Grams, &lotSrc, ref); err != nil {
			return nil, err
		}
		plan.WalletID = fixedID
	}
	plan.LotID = lot.ID

	coupon := conversion.QuarterlyCoupon(req.Grams, snap.PricePerGram, req.AnnualRatePercent)
	for i := 0; i < domain.DistributionCount(req.TenorMonths); i++ {
		plan.Distributions = append(plan.Distributions, domain.Distribution{
			PlanID:                 plan.ID,
			Index:                  i,
			DueDate:                domain.DueDate(plan.StartDate, i),
			FixedUSDAmount:         coupon,
			SettledGrams:           decimal.Zero,
			SettlementPricePerGram: decimal.Zero,
			Status:                 domain.DistributionStatusPending,
		})
	}

	if err := s.stores.Plans.Create(ctx, dbTx, plan); err != nil {
		return nil, storageError(fmt.Errorf("insert plan: %w", err))
	}
	respJSON, err := s.idem.record(ctx, dbTx, idempKey, plan.ID, plan)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("plan_id", plan.ID.String()).
		Str("user_id", plan.UserID.String()).
		Str("source_mode", string(source.Mode)).
		Str("grams", plan.PrincipalGrams.String()).
		Str("locked_price", plan.LockedPricePerGram.String()).
		Int("tenor_months", plan.TenorMonths).
		Str("quarterly_usd", coupon.String()).
		Msg("bnsl plan opened")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventPlanOpened, plan.UserID, plan.ID, plan, now))

	return plan, nil
}

// SettleDistribution pays one due distribution in grams at the current
// spot price. Settling a PAID distribution is a no-op.
func (s *PlanServiceImpl) SettleDistribution(ctx context.Context, planID uuid.UUID, index int) (*domain.Distribution, error) {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		return nil, storageError(fmt.Errorf("get plan: %w", err))
	}
	if plan == nil {
		return nil, apperror.ErrNotFound("plan")
	}
	if dist, ok := plan.Distribution(index); ok && dist.Status == domain.DistributionStatusPaid {
		return dist, nil
	}

	snap, err := spotPrice(ctx, s.oracle)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, planID, index, snap)
}

// SettleDueDistributions settles every distribution of active plans due at
// or before cutoff against one price snapshot. A cutoff later than the
// service clock is clamped to it, and each distribution is still checked
// against the clock when it settles. Each settlement commits on its own;
// failures are reported, not fatal.
func (s *PlanServiceImpl) SettleDueDistributions(ctx context.Context, cutoff time.Time) (*ports.SettlementReport, error) {
	cutoff = notAfter(cutoff, s.now())
	refs, err := s.stores.Plans.ListDue(ctx, cutoff, s.batchLimit)
	if err != nil {
		return nil, storageError(fmt.Errorf("list due distributions: %w", err))
	}
	report := &ports.SettlementReport{Settled: []ports.SettledItem{}, Failed: []ports.FailedItem{}}
	if len(refs) == 0 {
		return report, nil
	}

	snap, err := spotPrice(ctx, s.oracle)
	if err != nil {
		return nil, err
	}
	report.Price = snap

	for _, ref := range refs {
		dist, err := s.settle(ctx, ref.PlanID, ref.Index, snap)
		if err != nil {
			s.log.Warn().Err(err).
				Str("plan_id", ref.PlanID.String()).
				Int("index", ref.Index).
				Msg("distribution settlement failed")
			report.Failed = append(report.Failed, ports.FailedItem{PlanID: ref.PlanID, Index: ref.Index, Error: err.Error()})
			continue
		}
		report.Settled = append(report.Settled, ports.SettledItem{PlanID: ref.PlanID, Index: ref.Index, SettledGrams: dist.SettledGrams})
	}

	s.log.Info().
		Int("settled", len(report.Settled)).
		Int("failed", len(report.Failed)).
		Str("price", snap.PricePerGram.String()).
		Msg("due distributions processed")
	return report, nil
}

func (s *PlanServiceImpl) settle(ctx context.Context, planID uuid.UUID, index int, snap domain.PriceSnapshot) (*domain.Distribution, error) {
	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	plan, err := s.stores.Plans.GetByIDForUpdate(ctx, dbTx, planID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock plan: %w", err))
	}
	if plan == nil {
		return nil, apperror.ErrNotFound("plan")
	}
	dist, ok := plan.Distribution(index)
	if !ok {
		return nil, apperror.ErrNotFound("distribution")
	}

	switch {
	case dist.Status == domain.DistributionStatusPaid:
		return dist, nil
	case dist.Status == domain.DistributionStatusCancelled:
		return nil, apperror.ErrInvalidState("distribution was cancelled")
	case !plan.IsActive():
		return nil, apperror.ErrInvalidState("plan is not active")
	case !dist.IsDue(s.now()):
		return nil, apperror.ErrDistributionNotDue()
	}

	grams := conversion.USDToGrams(dist.FixedUSDAmount, snap.PricePerGram)
	if grams.IsPositive() {
		floating, err := s.stores.Wallets.EnsureForUpdate(ctx, dbTx, plan.UserID, domain.ModeFloating)
		if err != nil {
			return nil, storageError(fmt.Errorf("ensure floating wallet: %w", err))
		}
		ref := fmt.Sprintf("bnsl:%s:%d", plan.ID, index)
		if _, err := s.ledger.Credit(ctx, dbTx, floating, domain.BucketAvailable, grams, nil, ref); err != nil {
			return nil, err
		}
	}

	asOf := snap.AsOf
	paidAt := s.now()
	dist.SettledGrams = grams
	dist.SettlementPricePerGram = snap.PricePerGram
	dist.SettlementPriceAsOf = &asOf
	dist.SettlementPriceSource = snap.Source
	dist.Status = domain.DistributionStatusPaid
	dist.PaidAt = &paidAt
	if err := s.stores.Plans.UpdateDistribution(ctx, dbTx, dist); err != nil {
		return nil, storageError(fmt.Errorf("update distribution: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("plan_id", plan.ID.String()).
		Int("index", index).
		Str("usd", dist.FixedUSDAmount.String()).
		Str("grams", grams.String()).
		Str("price", snap.PricePerGram.String()).
		Msg("distribution settled")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventDistributionSettled, plan.UserID, plan.ID, dist, paidAt))

	return dist, nil
}

// MatureOrTerminate closes a plan. At or after maturity every distribution
// must be PAID and the principal is released. Before maturity a penalty is
// taken from the principal, the rest is released and unpaid distributions
// are cancelled. A closed plan is returned unchanged.
func (s *PlanServiceImpl) MatureOrTerminate(ctx context.Context, req ports.ClosePlanRequest) (*domain.Plan, error) {
	penaltyPct := s.penaltyPercent
	if req.PenaltyPercent != nil {
		penaltyPct = *req.PenaltyPercent
	}
	if penaltyPct.IsNegative() || penaltyPct.GreaterThan(hundredPercent) {
		return nil, apperror.Validation("penalty_percent must be between 0 and 100")
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	plan, err := s.stores.Plans.GetByIDForUpdate(ctx, dbTx, req.PlanID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock plan: %w", err))
	}
	if plan == nil {
		return nil, apperror.ErrNotFound("plan")
	}
	if plan.UserID != req.UserID {
		return nil, apperror.ErrForbidden()
	}
	if !plan.IsActive() {
		return plan, nil
	}

	now := s.now()
	if err := s.close(ctx, dbTx, plan, penaltyPct, now); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	event := domain.EventPlanMatured
	if plan.Status == domain.PlanStatusEarlyTerminated {
		event = domain.EventPlanEarlyTerminated
	}
	s.log.Info().
		Str("plan_id", plan.ID.String()).
		Str("status", string(plan.Status)).
		Str("penalty_grams", plan.PenaltyGrams.String()).
		Msg("bnsl plan closed")
	notify(ctx, s.notifier, s.log, domain.NewEvent(event, plan.UserID, plan.ID, plan, now))

	return plan, nil
}

func (s *PlanServiceImpl) close(ctx context.Context, tx pgx.Tx, plan *domain.Plan, penaltyPct decimal.Decimal, now time.Time) error {
	w, err := s.stores.Wallets.GetByIDForUpdate(ctx, tx, plan.WalletID)
	if err != nil {
		return storageError(fmt.Errorf("lock wallet: %w", err))
	}
	if w == nil {
		return apperror.ErrNotFound("wallet")
	}
	ref := reference("bnsl", plan.ID)

	release := plan.PrincipalGrams
	if plan.IsMature(now) {
		if len(plan.Unpaid()) > 0 {
			return apperror.ErrOutstandingDistributions()
		}
		plan.Status = domain.PlanStatusMatured
	} else {
		penalty := conversion.PercentOf(plan.PrincipalGrams, penaltyPct)
		if penalty.IsPositive() {
			if _, err := s.ledger.DebitLot(ctx, tx, w, domain.BucketLockedForPlan, plan.LotID, penalty, ref); err != nil {
				return err
			}
		}
		release = plan.PrincipalGrams.Sub(penalty)

		for i := range plan.Distributions {
			d := &plan.Distributions[i]
			if d.Status != domain.DistributionStatusPending {
				continue
			}
			d.Status = domain.DistributionStatusCancelled
			if err := s.stores.Plans.UpdateDistribution(ctx, tx, d); err != nil {
				return storageError(fmt.Errorf("cancel distribution: %w", err))
			}
		}
		plan.Status = domain.PlanStatusEarlyTerminated
		plan.PenaltyGrams = penalty
	}

	if release.IsPositive() {
		if err := s.ledger.MoveBucket(ctx, tx, w, domain.BucketLockedForPlan, domain.BucketAvailable, release, ref); err != nil {
			return err
		}
		if _, err := s.ledger.ReleaseLot(ctx, tx, w, plan.LotID); err != nil {
			return err
		}
	}

	plan.ClosedAt = &now
	plan.UpdatedAt = now
	if err := s.stores.Plans.Update(ctx, tx, plan); err != nil {
		return storageError(fmt.Errorf("update plan: %w", err))
	}
	return nil
}

// MatureDuePlans matures every active plan past maturity whose
// distributions are all paid.
func (s *PlanServiceImpl) MatureDuePlans(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.stores.Plans.ListMaturable(ctx, notAfter(cutoff, s.now()), s.batchLimit)
	if err != nil {
		return 0, storageError(fmt.Errorf("list maturable plans: %w", err))
	}

	matured := 0
	for _, id := range ids {
		plan, err := s.stores.Plans.GetByID(ctx, id)
		if err != nil || plan == nil {
			s.log.Warn().Err(err).Str("plan_id", id.String()).Msg("maturable plan vanished")
			continue
		}
		closed, err := s.MatureOrTerminate(ctx, ports.ClosePlanRequest{UserID: plan.UserID, PlanID: id})
		if err != nil {
			s.log.Warn().Err(err).Str("plan_id", id.String()).Msg("failed to mature plan")
			continue
		}
		if closed.Status == domain.PlanStatusMatured {
			matured++
		}
	}
	return matured, nil
}

// GetPlan returns a plan owned by userID.
func (s *PlanServiceImpl) GetPlan(ctx context.Context, userID, planID uuid.UUID) (*domain.Plan, error) {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		return nil, storageError(fmt.Errorf("get plan: %w", err))
	}
	if plan == nil {
		return nil, apperror.ErrNotFound("plan")
	}
	if plan.UserID != userID {
		return nil, apperror.ErrForbidden()
	}
	return plan, nil
}

// ListPlans returns the user's plans, newest first.
func (s *PlanServiceImpl) ListPlans(ctx context.Context, userID uuid.UUID) ([]domain.Plan, error) {
	plans, err := s.stores.Plans.ListByUser(ctx, userID)
	if err != nil {
		return nil, storageError(fmt.Errorf("list plans: %w", err))
	}
	return plans, nil
}

var _ ports.PlanService = (*PlanServiceImpl)(nil)

func notAfter(t, limit time.Time) time.Time {
	if t.After(limit) {
		return limit
	}
	return t
}
