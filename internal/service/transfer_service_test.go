package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"goldledger/internal/core/conversion"
	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferTestDeps struct {
	svc      *TransferServiceImpl
	store    *memStore
	oracle   *stubOracle
	notifier *recordingNotifier
	clock    time.Time
}

func setupTransferService(t *testing.T, fee conversion.FeeSpec) *transferTestDeps {
	t.Helper()
	d := &transferTestDeps{
		store:    newMemStore(),
		oracle:   newStubOracle("150"),
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	st := d.store.stores()
	ledger := NewLedger(st.Wallets, st.Lots, st.Entries, newTestLogger())
	d.svc = NewTransferService(st, ledger, d.oracle, nil, d.notifier, fee, time.Hour, newTestLogger())
	d.svc.now = func() time.Time { return d.clock }
	return d
}

func (d *transferTestDeps) advance(dur time.Duration) {
	d.clock = d.clock.Add(dur)
}

// ==================== InitiateTransfer Tests ====================

func TestTransferService_Initiate_HoldsInPending(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("4"), Reference: "gift",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.IntentStatePending, intent.State)
	assert.Equal(t, domain.IntentKindTransfer, intent.Kind)
	require.NotNil(t, intent.ExpiresAt)
	assert.Equal(t, d.clock.Add(time.Hour), *intent.ExpiresAt)

	w := d.store.wallet(from.ID)
	assert.True(t, w.Balance.Available.Equal(g("6")))
	assert.True(t, w.Balance.Pending.Equal(g("4")))

	_, ok := d.store.walletOf(bob, domain.ModeFloating)
	assert.False(t, ok, "recipient wallet is created on accept")

	require.Len(t, d.notifier.events, 1)
	assert.Equal(t, domain.EventTransferInitiated, d.notifier.events[0].Type)
	assert.Equal(t, bob, d.notifier.events[0].UserID)
}

func TestTransferService_Initiate_Validation(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice := uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))
	fixedBob := d.store.seedWallet(uuid.New(), domain.ModeFixed, domain.BucketAvailable)

	tests := []struct {
		name string
		req  ports.TransferRequest
		code string
	}{
		{"zero grams", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("0")}, "VAL_001"},
		{"below gram scale", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("0.0000004")}, "VAL_001"},
		{"no recipient", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, Grams: g("1")}, "VAL_007"},
		{"self", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToUserID: &alice, Grams: g("1")}, "VAL_007"},
		{"mode mismatch", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToWalletID: &fixedBob.ID, Grams: g("1")}, "VAL_003"},
		{"not owner", ports.TransferRequest{FromUserID: uuid.New(), FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("1")}, "VAL_009"},
		{"unknown wallet", ports.TransferRequest{FromUserID: alice, FromWalletID: uuid.New(), ToUserID: ptr(uuid.New()), Grams: g("1")}, "NF_001"},
		{"insufficient", ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("10.000001")}, "VAL_002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.svc.InitiateTransfer(context.Background(), tt.req)
			assertCode(t, err, tt.code)
		})
	}
	assert.True(t, d.store.wallet(from.ID).Balance.Available.Equal(g("10")))
	assert.True(t, d.store.wallet(from.ID).Balance.Pending.IsZero())
}

func TestTransferService_Initiate_FeeHeldWithGrams(t *testing.T) {
	fee, err := conversion.ParseFeeSpec("FLAT", "1.5", "", "")
	require.NoError(t, err)
	d := setupTransferService(t, fee)
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("2"),
	})
	require.NoError(t, err)

	// $1.50 at $150/g
	assert.True(t, intent.FeeGrams.Equal(g("0.01")))
	assert.True(t, d.store.wallet(from.ID).Balance.Pending.Equal(g("2.01")))
}

func TestTransferService_Initiate_Idempotent(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))
	req := ports.TransferRequest{FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("3"), IdempotencyKey: "t-1"}

	first, err := d.svc.InitiateTransfer(context.Background(), req)
	require.NoError(t, err)
	second, err := d.svc.InitiateTransfer(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, d.store.wallet(from.ID).Balance.Pending.Equal(g("3")))
	assert.Len(t, d.store.intents, 1)
}

// ==================== Accept / Reject Tests ====================

func TestTransferService_Accept_Floating(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))
	before := d.store.totalGrams()

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("4"),
	})
	require.NoError(t, err)

	_, err = d.svc.AcceptTransfer(context.Background(), intent.ID, alice)
	assertCode(t, err, "VAL_009")

	accepted, err := d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateAccepted, accepted.State)
	require.NotNil(t, accepted.ResolvedAt)
	require.NotNil(t, accepted.ToWalletID)

	sender := d.store.wallet(from.ID)
	assert.True(t, sender.Balance.Pending.IsZero())
	assert.True(t, sender.Balance.Available.Equal(g("6")))
	recipient := d.store.wallet(*accepted.ToWalletID)
	assert.Equal(t, bob, recipient.UserID)
	assert.True(t, recipient.Balance.Available.Equal(g("4")))
	assert.True(t, d.store.totalGrams().Equal(before))

	// accepting again is a no-op
	again, err := d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateAccepted, again.State)
	assert.True(t, d.store.wallet(*accepted.ToWalletID).Balance.Available.Equal(g("4")))
}

func TestTransferService_Accept_FixedCarriesLotPrices(t *testing.T) {
	fee, err := conversion.ParseFeeSpec("PERCENTAGE", "10", "", "")
	require.NoError(t, err)
	d := setupTransferService(t, fee)
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFixed, domain.BucketAvailable, lotOf("1", "100"), lotOf("2", "120"))
	to := d.store.seedWallet(bob, domain.ModeFixed, domain.BucketAvailable)

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToWalletID: &to.ID, Grams: g("2"),
	})
	require.NoError(t, err)
	assert.True(t, intent.FeeGrams.Equal(g("0.2")))

	_, err = d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)

	lots, err := d.store.stores().Lots.ListOpen(context.Background(), to.ID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].RemainingGrams.Equal(g("1")))
	assert.True(t, lots[0].AcquiredPricePerGram.Equal(g("100")))
	assert.True(t, lots[1].RemainingGrams.Equal(g("1")))
	assert.True(t, lots[1].AcquiredPricePerGram.Equal(g("120")))
	assert.Equal(t, domain.LotOriginTransferIn, lots[1].Origin)

	// sender lost grams plus fee
	sender := d.store.wallet(from.ID)
	assert.True(t, sender.Balance.Total().Equal(g("0.8")))
	free, _ := d.store.lotGrams(from.ID)
	assert.True(t, free.Equal(g("0.8")))
}

func TestTransferService_Reject_ReturnsGrams(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("5", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("5"),
	})
	require.NoError(t, err)

	_, err = d.svc.RejectTransfer(context.Background(), intent.ID, uuid.New())
	assertCode(t, err, "VAL_009")

	rejected, err := d.svc.RejectTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateRejected, rejected.State)

	w := d.store.wallet(from.ID)
	assert.True(t, w.Balance.Available.Equal(g("5")))
	assert.True(t, w.Balance.Pending.IsZero())

	// a rejected transfer cannot be accepted later
	after, err := d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateRejected, after.State)
	assert.Contains(t, d.notifier.types(), domain.EventTransferRejected)
}

func TestTransferService_Accept_AtomicOnFailure(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("5", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("2"),
	})
	require.NoError(t, err)

	d.store.failNext("intents.Update", errors.New("boom"))
	_, err = d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.Error(t, err)
	d.store.failNext("intents.Update", nil)

	w := d.store.wallet(from.ID)
	assert.True(t, w.Balance.Pending.Equal(g("2")))
	_, ok := d.store.walletOf(bob, domain.ModeFloating)
	assert.False(t, ok)
	stored, _ := d.store.stores().Intents.GetByID(context.Background(), intent.ID)
	assert.Equal(t, domain.IntentStatePending, stored.State)

	_, err = d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	recipient, ok := d.store.walletOf(bob, domain.ModeFloating)
	require.True(t, ok)
	assert.True(t, recipient.Balance.Available.Equal(g("2")))
}

// ==================== Expiry Tests ====================

func TestTransferService_LazyExpiryOnAccept(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("5", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("5"),
	})
	require.NoError(t, err)

	d.advance(time.Hour)
	got, err := d.svc.AcceptTransfer(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateExpired, got.State)
	assert.True(t, d.store.wallet(from.ID).Balance.Available.Equal(g("5")))
	_, ok := d.store.walletOf(bob, domain.ModeFloating)
	assert.False(t, ok)
}

func TestTransferService_LazyExpiryOnRead(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("5", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("1"),
	})
	require.NoError(t, err)

	got, err := d.svc.GetIntent(context.Background(), intent.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatePending, got.State)

	d.advance(2 * time.Hour)
	list, err := d.svc.ListIntents(context.Background(), alice, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.IntentStateExpired, list[0].State)
	assert.True(t, d.store.wallet(from.ID).Balance.Available.Equal(g("5")))

	_, err = d.svc.GetIntent(context.Background(), intent.ID, uuid.New())
	assertCode(t, err, "VAL_009")
}

func TestTransferService_ExpireStale(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice := uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("10", "1"))

	for i := 0; i < 3; i++ {
		_, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
			FromUserID: alice, FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("1"),
		})
		require.NoError(t, err)
	}
	// an open-ended reservation never expires
	_, err := d.svc.ReserveForTrade(context.Background(), ports.ReservationRequest{UserID: alice, WalletID: from.ID, Grams: g("2")})
	require.NoError(t, err)

	n, err := d.svc.ExpireStale(context.Background(), d.clock, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	d.advance(time.Hour)
	n, err = d.svc.ExpireStale(context.Background(), d.clock, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	w := d.store.wallet(from.ID)
	assert.True(t, w.Balance.Available.Equal(g("8")))
	assert.True(t, w.Balance.Pending.IsZero())
	assert.True(t, w.Balance.ReservedForTrade.Equal(g("2")))
}

// ==================== Reservation Tests ====================

func TestTransferService_ReserveAndRelease(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice := uuid.New()
	w := d.store.seedWallet(alice, domain.ModeFixed, domain.BucketAvailable, lotOf("3", "100"))
	ttl := 30 * time.Minute

	res, err := d.svc.ReserveForTrade(context.Background(), ports.ReservationRequest{
		UserID: alice, WalletID: w.ID, Grams: g("2"), TTL: &ttl, Reference: "order-7",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentKindTradeReservation, res.Kind)
	assert.True(t, d.store.wallet(w.ID).Balance.ReservedForTrade.Equal(g("2")))

	_, err = d.svc.RejectTransfer(context.Background(), res.ID, alice)
	assertCode(t, err, "VAL_006")

	confirmed, err := d.svc.AcceptTransfer(context.Background(), res.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateAccepted, confirmed.State)
	assert.True(t, d.store.wallet(w.ID).Balance.ReservedForTrade.Equal(g("2")), "confirmed grams stay reserved")

	_, err = d.svc.ReleaseReservation(context.Background(), res.ID, uuid.New())
	assertCode(t, err, "VAL_009")

	released, err := d.svc.ReleaseReservation(context.Background(), res.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateReleased, released.State)

	stored := d.store.wallet(w.ID)
	assert.True(t, stored.Balance.Available.Equal(g("3")))
	assert.True(t, stored.Balance.ReservedForTrade.IsZero())
	free, _ := d.store.lotGrams(w.ID)
	assert.True(t, free.Equal(g("3")), "reservations do not touch lots")

	again, err := d.svc.ReleaseReservation(context.Background(), res.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStateReleased, again.State)
	assert.True(t, d.store.wallet(w.ID).Balance.Available.Equal(g("3")))
}

func TestTransferService_ReleaseRejectsTransfers(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice, bob := uuid.New(), uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFloating, domain.BucketAvailable, lotOf("5", "1"))

	intent, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
		FromUserID: alice, FromWalletID: from.ID, ToUserID: &bob, Grams: g("1"),
	})
	require.NoError(t, err)

	_, err = d.svc.ReleaseReservation(context.Background(), intent.ID, alice)
	assertCode(t, err, "VAL_006")
}

// ==================== Concurrency Tests ====================

func TestTransferService_ConcurrentInitiate_NoOverdraft(t *testing.T) {
	d := setupTransferService(t, conversion.FeeSpec{})
	alice := uuid.New()
	from := d.store.seedWallet(alice, domain.ModeFixed, domain.BucketAvailable, lotOf("5", "100"), lotOf("5", "110"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.svc.InitiateTransfer(context.Background(), ports.TransferRequest{
				FromUserID: alice, FromWalletID: from.ID, ToUserID: ptr(uuid.New()), Grams: g("1"),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	w := d.store.wallet(from.ID)
	assert.True(t, w.Balance.Available.IsZero())
	assert.True(t, w.Balance.Pending.Equal(g("10")))
	assert.True(t, w.Conserved())
}

func ptr[T any](v T) *T {
	return &v
}
