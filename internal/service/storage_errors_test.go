package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"goldledger/internal/core/conversion"
	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errConnReset = errors.New("read tcp: connection reset by peer")

// eventOfType matches a domain.Event by its Type.
type eventOfType domain.EventType

func (e eventOfType) Matches(x interface{}) bool {
	ev, ok := x.(domain.Event)
	return ok && ev.Type == domain.EventType(e)
}

func (e eventOfType) String() string {
	return fmt.Sprintf("event of type %q", string(e))
}

// rollbackOnlyTx hands out a pgx.Tx that must be rolled back and never committed.
func rollbackOnlyTx(t *testing.T) (pgxmock.PgxPoolIface, *mocks.MockDBTransactor, *gomock.Controller) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	pool.ExpectBegin()
	pool.ExpectRollback()
	tx, err := pool.Begin(context.Background())
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	transactor := mocks.NewMockDBTransactor(ctrl)
	transactor.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	return pool, transactor, ctrl
}

// ==================== WalletService ====================

func TestWalletService_Summary_WalletLookupFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	wallets := mocks.NewMockWalletRepository(ctrl)
	userID := uuid.New()

	wallets.EXPECT().GetByUser(gomock.Any(), userID, domain.ModeFloating).Return(nil, errConnReset)

	st := Stores{Wallets: wallets}
	ledger := NewLedger(wallets, nil, nil, newTestLogger())
	svc := NewWalletService(st, ledger, newStubOracle("150"), nil, nil, conversion.FeeSpec{}, newTestLogger())

	_, err := svc.GetWalletSummary(context.Background(), userID)
	assertCode(t, err, "SYS_001")
	assert.ErrorIs(t, err, errConnReset)
}

func TestWalletService_Summary_LotListingFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	wallets := mocks.NewMockWalletRepository(ctrl)
	lots := mocks.NewMockLotRepository(ctrl)
	userID, walletID := uuid.New(), uuid.New()

	gomock.InOrder(
		wallets.EXPECT().GetByUser(gomock.Any(), userID, domain.ModeFloating).Return(nil, nil),
		wallets.EXPECT().GetByUser(gomock.Any(), userID, domain.ModeFixed).
			Return(&domain.Wallet{ID: walletID, UserID: userID, Mode: domain.ModeFixed}, nil),
		lots.EXPECT().ListOpen(gomock.Any(), walletID).Return(nil, errConnReset),
	)

	st := Stores{Wallets: wallets, Lots: lots}
	ledger := NewLedger(wallets, lots, nil, newTestLogger())
	svc := NewWalletService(st, ledger, newStubOracle("150"), nil, nil, conversion.FeeSpec{}, newTestLogger())

	_, err := svc.GetWalletSummary(context.Background(), userID)
	assertCode(t, err, "SYS_001")
}

func TestWalletService_BuyGold_IdempotencyLookupFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	idem := mocks.NewMockIdempotencyRepository(ctrl)
	transactor := mocks.NewMockDBTransactor(ctrl)
	oracle := newStubOracle("150")

	idem.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errConnReset)
	transactor.EXPECT().Begin(gomock.Any()).Times(0)

	st := Stores{Idempotency: idem, Transactor: transactor}
	svc := NewWalletService(st, NewLedger(nil, nil, nil, newTestLogger()), oracle, nil, nil, conversion.FeeSpec{}, newTestLogger())

	_, err := svc.BuyGold(context.Background(), ports.BuyRequest{
		UserID: uuid.New(), Mode: domain.ModeFloating, USDAmount: g("100"), IdempotencyKey: "buy-1",
	})
	assertCode(t, err, "SYS_001")
	assert.Zero(t, oracle.calls, "no price is fetched before the key is checked")
}

func TestWalletService_BuyGold_SerializationFailureIsRetryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	transactor := mocks.NewMockDBTransactor(ctrl)

	transactor.EXPECT().Begin(gomock.Any()).Return(nil, &pgconn.PgError{Code: pgSerializationFailure})

	st := Stores{Transactor: transactor}
	svc := NewWalletService(st, NewLedger(nil, nil, nil, newTestLogger()), newStubOracle("150"), nil, nil, conversion.FeeSpec{}, newTestLogger())

	_, err := svc.BuyGold(context.Background(), ports.BuyRequest{
		UserID: uuid.New(), Mode: domain.ModeFloating, USDAmount: g("100"),
	})
	assertCode(t, err, "SYS_002")
}

func TestWalletService_ConfirmCredit_EntryLookupRollsBack(t *testing.T) {
	pool, transactor, ctrl := rollbackOnlyTx(t)
	entries := mocks.NewMockEntryRepository(ctrl)
	wallets := mocks.NewMockWalletRepository(ctrl)
	purchaseID := uuid.New()

	entries.EXPECT().ListByReference(gomock.Any(), gomock.Any(), "buy:"+purchaseID.String()).
		Return(nil, &pgconn.PgError{Code: pgLockNotAvailable})
	wallets.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	st := Stores{Wallets: wallets, Entries: entries, Transactor: transactor}
	svc := NewWalletService(st, NewLedger(wallets, nil, entries, newTestLogger()), newStubOracle("150"), nil, nil, conversion.FeeSpec{}, newTestLogger())

	_, err := svc.ConfirmCredit(context.Background(), ports.ConfirmCreditRequest{PurchaseID: purchaseID})
	assertCode(t, err, "SYS_002")
	assert.NoError(t, pool.ExpectationsWereMet())
}

// ==================== TransferService ====================

func TestTransferService_GetIntent_LookupFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	intents := mocks.NewMockIntentRepository(ctrl)
	intentID := uuid.New()

	intents.EXPECT().GetByID(gomock.Any(), intentID).Return(nil, errConnReset)

	st := Stores{Intents: intents}
	svc := NewTransferService(st, NewLedger(nil, nil, nil, newTestLogger()), newStubOracle("150"), nil, nil, conversion.FeeSpec{}, time.Hour, newTestLogger())

	_, err := svc.GetIntent(context.Background(), intentID, uuid.New())
	assertCode(t, err, "SYS_001")
}

func TestTransferService_Accept_DeadlockRollsBack(t *testing.T) {
	pool, transactor, ctrl := rollbackOnlyTx(t)
	intents := mocks.NewMockIntentRepository(ctrl)
	intentID := uuid.New()

	intents.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), intentID).
		Return(nil, &pgconn.PgError{Code: pgDeadlockDetected})

	st := Stores{Intents: intents, Transactor: transactor}
	svc := NewTransferService(st, NewLedger(nil, nil, nil, newTestLogger()), newStubOracle("150"), nil, nil, conversion.FeeSpec{}, time.Hour, newTestLogger())

	_, err := svc.AcceptTransfer(context.Background(), intentID, uuid.New())
	assertCode(t, err, "SYS_002")
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestTransferService_ExpiredReservationEmitsReservationEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	store := newMemStore()
	st := store.stores()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc := NewTransferService(st, NewLedger(st.Wallets, st.Lots, st.Entries, newTestLogger()), newStubOracle("150"), nil, notifier, conversion.FeeSpec{}, time.Hour, newTestLogger())
	svc.now = func() time.Time { return clock }

	alice := uuid.New()
	w := store.seedWallet(alice, domain.ModeFixed, domain.BucketAvailable, lotOf("5", "100"))
	ttl := 10 * time.Minute

	gomock.InOrder(
		notifier.EXPECT().Notify(gomock.Any(), eventOfType(domain.EventReservationCreated)).Return(nil),
		notifier.EXPECT().Notify(gomock.Any(), eventOfType(domain.EventReservationExpired)).Return(nil),
	)

	res, err := svc.ReserveForTrade(context.Background(), ports.ReservationRequest{
		UserID: alice, WalletID: w.ID, Grams: g("2"), TTL: &ttl,
	})
	require.NoError(t, err)
	assert.True(t, store.wallet(w.ID).Balance.ReservedForTrade.Equal(g("2")))

	clock = clock.Add(ttl)
	n, err := svc.ExpireStale(context.Background(), clock, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.GetIntent(context.Background(), res.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateExpired, got.State)

	bal := store.wallet(w.ID).Balance
	assert.True(t, bal.ReservedForTrade.IsZero())
	assert.True(t, bal.Available.Equal(g("5")))
}

// ==================== PlanService ====================

func TestPlanService_GetPlan_LookupFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	plans := mocks.NewMockPlanRepository(ctrl)
	planID := uuid.New()

	plans.EXPECT().GetByID(gomock.Any(), planID).Return(nil, errConnReset)

	st := Stores{Plans: plans}
	svc := NewPlanService(st, NewLedger(nil, nil, nil, newTestLogger()), newStubOracle("150"), nil, nil, g("0"), 50, newTestLogger())

	_, err := svc.GetPlan(context.Background(), uuid.New(), planID)
	assertCode(t, err, "SYS_001")
}

func TestPlanService_SettleDue_ListingFailsBeforePricing(t *testing.T) {
	ctrl := gomock.NewController(t)
	plans := mocks.NewMockPlanRepository(ctrl)
	oracle := newStubOracle("150")

	plans.EXPECT().ListDue(gomock.Any(), gomock.Any(), 50).Return(nil, errConnReset)

	st := Stores{Plans: plans}
	svc := NewPlanService(st, NewLedger(nil, nil, nil, newTestLogger()), oracle, nil, nil, g("0"), 50, newTestLogger())

	_, err := svc.SettleDueDistributions(context.Background(), time.Now())
	assertCode(t, err, "SYS_001")
	assert.Zero(t, oracle.calls)
}
