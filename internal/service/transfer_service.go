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

// DefaultTransferTTL is how long a P2P transfer waits for the recipient.
const DefaultTransferTTL = 24 * time.Hour

const (
	defaultIntentsLimit = 50
	maxIntentsLimit     = 200
)

// TransferServiceImpl implements ports.TransferService.
type TransferServiceImpl struct {
	stores      Stores
	ledger      *Ledger
	oracle      ports.PriceOracle
	idem        *idempotency
	notifier    ports.Notifier
	transferFee conversion.FeeSpec
	ttl         time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewTransferService creates a new TransferServiceImpl. A zero ttl falls
// back to DefaultTransferTTL.
func NewTransferService(
	stores Stores,
	ledger *Ledger,
	oracle ports.PriceOracle,
	idempCache ports.IdempotencyCache,
	notifier ports.Notifier,
	transferFee conversion.FeeSpec,
	ttl time.Duration,
	log zerolog.Logger,
) *TransferServiceImpl {
	if ttl <= 0 {
		ttl = DefaultTransferTTL
	}
	now := func() time.Time { return time.Now().UTC() }
	return &TransferServiceImpl{
		stores:      stores,
		ledger:      ledger,
		oracle:      oracle,
		idem:        &idempotency{repo: stores.Idempotency, cache: idempCache, log: log, now: now},
		notifier:    notifier,
		transferFee: transferFee,
		ttl:         ttl,
		log:         log,
		now:         now,
	}
}

// InitiateTransfer holds grams plus fee in the sender's pending bucket and
// records a PENDING intent for the recipient to accept.
func (s *TransferServiceImpl) InitiateTransfer(ctx context.Context, req ports.TransferRequest) (*domain.Intent, error) {
	if !domain.ValidGrams(req.Grams) {
		return nil, apperror.ErrInvalidGrams()
	}
	if req.ToWalletID == nil && req.ToUserID == nil {
		return nil, apperror.Validation("to_wallet_id or to_user_id is required")
	}

	idempKey := idempotencyKey(req.FromUserID, "transfer", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[domain.Intent](cached)
	}

	fee := decimal.Zero
	if s.transferFee.Enabled() {
		price := decimal.Zero
		if s.transferFee.NeedsPrice() {
			snap, err := spotPrice(ctx, s.oracle)
			if err != nil {
				return nil, err
			}
			price = snap.PricePerGram
		}
		fee = conversion.ApplyFee(req.Grams, s.transferFee, price)
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	sender, err := lockOwnedWallet(ctx, dbTx, s.stores.Wallets, req.FromUserID, req.FromWalletID)
	if err != nil {
		return nil, err
	}

	toWalletID, toUserID := req.ToWalletID, req.ToUserID
	if toWalletID != nil {
		recipient, err := s.stores.Wallets.GetByID(ctx, *toWalletID)
		if err != nil {
			return nil, storageError(fmt.Errorf("get recipient wallet: %w", err))
		}
		if recipient == nil {
			return nil, apperror.ErrNotFound("recipient wallet")
		}
		if recipient.Mode != sender.Mode {
			return nil, apperror.ErrModeMismatch()
		}
		if toUserID != nil && *toUserID != recipient.UserID {
			return nil, apperror.Validation("to_user_id does not own to_wallet_id")
		}
		toUserID = &recipient.UserID
	}
	if *toUserID == sender.UserID {
		return nil, apperror.Validation("cannot transfer to your own wallet")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	intent := &domain.Intent{
		ID:           uuid.New(),
		Kind:         domain.IntentKindTransfer,
		FromWalletID: sender.ID,
		FromUserID:   sender.UserID,
		ToWalletID:   toWalletID,
		ToUserID:     toUserID,
		Mode:         sender.Mode,
		Grams:        req.Grams,
		FeeGrams:     fee,
		State:        domain.IntentStatePending,
		Reference:    req.Reference,
		ExpiresAt:    &expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.ledger.MoveBucket(ctx, dbTx, sender, domain.BucketAvailable, domain.BucketPending,
		intent.HeldGrams(), reference("transfer", intent.ID)); err != nil {
		return nil, err
	}
	if err := s.stores.Intents.Create(ctx, dbTx, intent); err != nil {
		return nil, storageError(fmt.Errorf("insert intent: %w", err))
	}

	respJSON, err := s.idem.record(ctx, dbTx, idempKey, intent.ID, intent)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("intent_id", intent.ID.String()).
		Str("from_wallet_id", sender.ID.String()).
		Str("to_user_id", toUserID.String()).
		Str("mode", string(intent.Mode)).
		Str("grams", intent.Grams.String()).
		Str("fee_grams", fee.String()).
		Msg("transfer initiated")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventTransferInitiated, *toUserID, intent.ID, intent, now))

	return intent, nil
}

// AcceptTransfer completes a PENDING transfer: the sender's pending grams
// and fee are debited and the recipient is credited. On a reservation it
// confirms the lock and the grams stay reserved. Intents that are no longer
// PENDING are returned unchanged.
func (s *TransferServiceImpl) AcceptTransfer(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error) {
	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	intent, err := s.lockIntent(ctx, dbTx, intentID)
	if err != nil {
		return nil, err
	}
	if !s.mayAccept(intent, actorID) {
		return nil, apperror.ErrForbidden()
	}

	now := s.now()
	if intent.IsExpired(now) {
		return s.expireAndCommit(ctx, dbTx, intent, now)
	}
	if !intent.IsPending() {
		return intent, nil
	}

	event := domain.EventTransferAccepted
	switch intent.Kind {
	case domain.IntentKindTradeReservation:
		event = domain.EventReservationConfirmed
	default:
		if err := s.settle(ctx, dbTx, intent); err != nil {
			return nil, err
		}
	}

	intent.Resolve(domain.IntentStateAccepted, now)
	if err := s.stores.Intents.Update(ctx, dbTx, intent); err != nil {
		return nil, storageError(fmt.Errorf("update intent: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("intent_id", intent.ID.String()).
		Str("kind", string(intent.Kind)).
		Str("grams", intent.Grams.String()).
		Msg("intent accepted")
	notify(ctx, s.notifier, s.log, domain.NewEvent(event, intent.FromUserID, intent.ID, intent, now))

	return intent, nil
}

// settle moves an accepted transfer's grams from sender to recipient. FIXED
// recipients get one lot per consumed sender lot, at that lot's price.
func (s *TransferServiceImpl) settle(ctx context.Context, tx pgx.Tx, intent *domain.Intent) error {
	if intent.ToWalletID == nil {
		id, err := s.stores.Wallets.Ensure(ctx, tx, *intent.ToUserID, intent.Mode)
		if err != nil {
			return storageError(fmt.Errorf("ensure recipient wallet: %w", err))
		}
		intent.ToWalletID = &id
	}

	locked, err := lockWallets(ctx, tx, s.stores.Wallets, intent.FromWalletID, *intent.ToWalletID)
	if err != nil {
		return err
	}
	sender, recipient := locked[intent.FromWalletID], locked[*intent.ToWalletID]
	if recipient.Mode != sender.Mode {
		return apperror.ErrModeMismatch()
	}

	ref := reference("transfer", intent.ID)
	consumed, err := s.ledger.Debit(ctx, tx, sender, domain.BucketPending, intent.HeldGrams(), ref)
	if err != nil {
		return err
	}

	if recipient.Mode == domain.ModeFloating {
		_, err := s.ledger.Credit(ctx, tx, recipient, domain.BucketAvailable, intent.Grams, nil, ref)
		return err
	}

	// fee comes out of the tail of the consumed slices
	left := intent.Grams
	for _, slice := range consumed {
		if !left.IsPositive() {
			break
		}
		part := decimal.Min(slice.Grams, left)
		src := &domain.LotSource{Price: slice.Snapshot(), Origin: domain.LotOriginTransferIn}
		if _, err := s.ledger.Credit(ctx, tx, recipient, domain.BucketAvailable, part, src, ref); err != nil {
			return err
		}
		left = left.Sub(part)
	}
	if left.IsPositive() {
		return apperror.ErrConsistency(fmt.Errorf("transfer %s: %s grams not covered by consumed lots", intent.ID, left))
	}
	return nil
}

// RejectTransfer returns a PENDING transfer's held grams to the sender.
// Either party may reject.
func (s *TransferServiceImpl) RejectTransfer(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error) {
	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	intent, err := s.lockIntent(ctx, dbTx, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Involves(actorID) {
		return nil, apperror.ErrForbidden()
	}
	if intent.Kind == domain.IntentKindTradeReservation {
		return nil, apperror.ErrInvalidState("reservations are released, not rejected")
	}

	now := s.now()
	if intent.IsExpired(now) {
		return s.expireAndCommit(ctx, dbTx, intent, now)
	}
	if !intent.IsPending() {
		return intent, nil
	}

	if err := s.unwind(ctx, dbTx, intent, domain.IntentStateRejected, now); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().Str("intent_id", intent.ID.String()).Str("actor_id", actorID.String()).Msg("transfer rejected")
	counterparty := intent.FromUserID
	if actorID == intent.FromUserID && intent.ToUserID != nil {
		counterparty = *intent.ToUserID
	}
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventTransferRejected, counterparty, intent.ID, intent, now))

	return intent, nil
}

// ReserveForTrade locks available grams for a pending trade. With a nil TTL
// the reservation holds until released.
func (s *TransferServiceImpl) ReserveForTrade(ctx context.Context, req ports.ReservationRequest) (*domain.Intent, error) {
	if !domain.ValidGrams(req.Grams) {
		return nil, apperror.ErrInvalidGrams()
	}
	if req.TTL != nil && *req.TTL <= 0 {
		return nil, apperror.Validation("ttl must be positive")
	}

	idempKey := idempotencyKey(req.UserID, "reserve", req.IdempotencyKey)
	if cached, err := s.idem.lookup(ctx, idempKey); err != nil || cached != nil {
		if err != nil {
			return nil, err
		}
		return replay[domain.Intent](cached)
	}

	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	w, err := lockOwnedWallet(ctx, dbTx, s.stores.Wallets, req.UserID, req.WalletID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	intent := &domain.Intent{
		ID:           uuid.New(),
		Kind:         domain.IntentKindTradeReservation,
		FromWalletID: w.ID,
		FromUserID:   w.UserID,
		Mode:         w.Mode,
		Grams:        req.Grams,
		FeeGrams:     decimal.Zero,
		State:        domain.IntentStatePending,
		Reference:    req.Reference,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.TTL != nil {
		expiresAt := now.Add(*req.TTL)
		intent.ExpiresAt = &expiresAt
	}

	if err := s.ledger.MoveBucket(ctx, dbTx, w, domain.BucketAvailable, domain.BucketReservedForTrade,
		req.Grams, reference("reservation", intent.ID)); err != nil {
		return nil, err
	}
	if err := s.stores.Intents.Create(ctx, dbTx, intent); err != nil {
		return nil, storageError(fmt.Errorf("insert intent: %w", err))
	}

	respJSON, err := s.idem.record(ctx, dbTx, idempKey, intent.ID, intent)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}
	s.idem.remember(ctx, idempKey, respJSON)

	s.log.Info().
		Str("intent_id", intent.ID.String()).
		Str("wallet_id", w.ID.String()).
		Str("grams", req.Grams.String()).
		Msg("grams reserved for trade")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventReservationCreated, w.UserID, intent.ID, intent, now))

	return intent, nil
}

// ReleaseReservation returns reserved grams to available. Releasing an
// already released or expired reservation is a no-op.
func (s *TransferServiceImpl) ReleaseReservation(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error) {
	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	intent, err := s.lockIntent(ctx, dbTx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Kind != domain.IntentKindTradeReservation {
		return nil, apperror.ErrInvalidState("only trade reservations can be released")
	}
	if intent.FromUserID != actorID {
		return nil, apperror.ErrForbidden()
	}

	now := s.now()
	if intent.IsExpired(now) {
		return s.expireAndCommit(ctx, dbTx, intent, now)
	}
	if intent.State != domain.IntentStatePending && intent.State != domain.IntentStateAccepted {
		return intent, nil
	}

	if err := s.unwind(ctx, dbTx, intent, domain.IntentStateReleased, now); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().Str("intent_id", intent.ID.String()).Str("grams", intent.Grams.String()).Msg("reservation released")
	notify(ctx, s.notifier, s.log, domain.NewEvent(domain.EventReservationReleased, intent.FromUserID, intent.ID, intent, now))

	return intent, nil
}

// GetIntent returns an intent visible to actorID, expiring it first when
// its deadline has passed.
func (s *TransferServiceImpl) GetIntent(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error) {
	intent, err := s.stores.Intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, storageError(fmt.Errorf("get intent: %w", err))
	}
	if intent == nil {
		return nil, apperror.ErrNotFound("intent")
	}
	if !intent.Involves(actorID) {
		return nil, apperror.ErrForbidden()
	}
	if intent.IsExpired(s.now()) {
		return s.expireByID(ctx, intent.ID)
	}
	return intent, nil
}

// ListIntents returns the user's intents, newest first, with stale ones expired.
func (s *TransferServiceImpl) ListIntents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Intent, error) {
	if limit <= 0 {
		limit = defaultIntentsLimit
	}
	if limit > maxIntentsLimit {
		limit = maxIntentsLimit
	}
	intents, err := s.stores.Intents.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storageError(fmt.Errorf("list intents: %w", err))
	}

	now := s.now()
	for i := range intents {
		if !intents[i].IsExpired(now) {
			continue
		}
		expired, err := s.expireByID(ctx, intents[i].ID)
		if err != nil {
			return nil, err
		}
		intents[i] = *expired
	}
	return intents, nil
}

// ExpireStale expires up to limit PENDING intents whose deadline is at or
// before now. Each intent is expired in its own transaction.
func (s *TransferServiceImpl) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.stores.Intents.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, storageError(fmt.Errorf("list expired intents: %w", err))
	}

	expired := 0
	for _, id := range ids {
		intent, err := s.expireByID(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("intent_id", id.String()).Msg("failed to expire intent")
			continue
		}
		if intent.State == domain.IntentStateExpired {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Int("candidates", len(ids)).Msg("stale intents expired")
	}
	return expired, nil
}

func (s *TransferServiceImpl) expireByID(ctx context.Context, intentID uuid.UUID) (*domain.Intent, error) {
	dbTx, err := s.stores.Transactor.Begin(ctx)
	if err != nil {
		return nil, storageError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	intent, err := s.lockIntent(ctx, dbTx, intentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !intent.IsExpired(now) {
		return intent, nil
	}
	return s.expireAndCommit(ctx, dbTx, intent, now)
}

// expireAndCommit returns the held grams, marks the intent EXPIRED and
// commits tx.
func (s *TransferServiceImpl) expireAndCommit(ctx context.Context, tx pgx.Tx, intent *domain.Intent, now time.Time) (*domain.Intent, error) {
	if err := s.unwind(ctx, tx, intent, domain.IntentStateExpired, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageError(fmt.Errorf("commit tx: %w", err))
	}

	event := domain.EventTransferExpired
	if intent.Kind == domain.IntentKindTradeReservation {
		event = domain.EventReservationExpired
	}
	s.log.Info().Str("intent_id", intent.ID.String()).Str("kind", string(intent.Kind)).Msg("intent expired")
	notify(ctx, s.notifier, s.log, domain.NewEvent(event, intent.FromUserID, intent.ID, intent, now))
	return intent, nil
}

// unwind moves the held grams back to the sender's available bucket and
// resolves the intent to state.
func (s *TransferServiceImpl) unwind(ctx context.Context, tx pgx.Tx, intent *domain.Intent, state domain.IntentState, now time.Time) error {
	sender, err := s.stores.Wallets.GetByIDForUpdate(ctx, tx, intent.FromWalletID)
	if err != nil {
		return storageError(fmt.Errorf("lock wallet: %w", err))
	}
	if sender == nil {
		return apperror.ErrNotFound("wallet")
	}
	if err := s.ledger.MoveBucket(ctx, tx, sender, intent.HoldBucket(), domain.BucketAvailable,
		intent.HeldGrams(), reference(string(state), intent.ID)); err != nil {
		return err
	}

	intent.Resolve(state, now)
	if err := s.stores.Intents.Update(ctx, tx, intent); err != nil {
		return storageError(fmt.Errorf("update intent: %w", err))
	}
	return nil
}

func (s *TransferServiceImpl) lockIntent(ctx context.Context, tx pgx.Tx, intentID uuid.UUID) (*domain.Intent, error) {
	intent, err := s.stores.Intents.GetByIDForUpdate(ctx, tx, intentID)
	if err != nil {
		return nil, storageError(fmt.Errorf("lock intent: %w", err))
	}
	if intent == nil {
		return nil, apperror.ErrNotFound("intent")
	}
	return intent, nil
}

// mayAccept: the recipient accepts a transfer; the owner confirms a reservation.
func (s *TransferServiceImpl) mayAccept(intent *domain.Intent, actorID uuid.UUID) bool {
	if intent.Kind == domain.IntentKindTradeReservation {
		return intent.FromUserID == actorID
	}
	return intent.ToUserID != nil && *intent.ToUserID == actorID
}

var _ ports.TransferService = (*TransferServiceImpl)(nil)
