package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// memStore is an in-memory backend for the engine services. Transactions
// are serialized; a transaction that is not committed is rolled back to the
// snapshot taken at Begin. Rows are copied in and out.
type memStore struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	wallets   map[uuid.UUID]domain.Wallet
	lots      map[uuid.UUID]domain.Lot
	lotSeq    int64
	entries   []domain.LedgerEntry
	intents   map[uuid.UUID]domain.Intent
	plans     map[uuid.UUID]domain.Plan
	idem      map[string]domain.IdempotencyLog
	failOn    map[string]error
	failAt    map[string]int
	calls     map[string]int
	begun     int
	commits   int
	rollbacks int
}

type memState struct {
	wallets map[uuid.UUID]domain.Wallet
	lots    map[uuid.UUID]domain.Lot
	lotSeq  int64
	entries []domain.LedgerEntry
	intents map[uuid.UUID]domain.Intent
	plans   map[uuid.UUID]domain.Plan
	idem    map[string]domain.IdempotencyLog
}

func newMemStore() *memStore {
	return &memStore{
		wallets: make(map[uuid.UUID]domain.Wallet),
		lots:    make(map[uuid.UUID]domain.Lot),
		intents: make(map[uuid.UUID]domain.Intent),
		plans:   make(map[uuid.UUID]domain.Plan),
		idem:    make(map[string]domain.IdempotencyLog),
		failOn:  make(map[string]error),
		failAt:  make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (s *memStore) stores() Stores {
	return Stores{
		Wallets:     &memWalletRepo{s},
		Lots:        &memLotRepo{s},
		Entries:     &memEntryRepo{s},
		Intents:     &memIntentRepo{s},
		Plans:       &memPlanRepo{s},
		Idempotency: &memIdempotencyRepo{s},
		Transactor:  &memTransactor{s},
	}
}

// failNext makes op return err until cleared with failNext(op, nil).
func (s *memStore) failNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failAt, op)
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// failOnCall makes only the nth call (1-based) of op return err.
func (s *memStore) failOnCall(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[op] = err
	s.failAt[op] = n
	s.calls[op] = 0
}

// fail is called with mu held for writing.
func (s *memStore) fail(op string) error {
	s.calls[op]++
	err, ok := s.failOn[op]
	if !ok {
		return nil
	}
	if n := s.failAt[op]; n > 0 && s.calls[op] != n {
		return nil
	}
	return err
}

func (s *memStore) snapshot() memState {
	st := memState{
		wallets: make(map[uuid.UUID]domain.Wallet, len(s.wallets)),
		lots:    make(map[uuid.UUID]domain.Lot, len(s.lots)),
		lotSeq:  s.lotSeq,
		entries: append([]domain.LedgerEntry(nil), s.entries...),
		intents: make(map[uuid.UUID]domain.Intent, len(s.intents)),
		plans:   make(map[uuid.UUID]domain.Plan, len(s.plans)),
		idem:    make(map[string]domain.IdempotencyLog, len(s.idem)),
	}
	for k, v := range s.wallets {
		st.wallets[k] = v
	}
	for k, v := range s.lots {
		st.lots[k] = v
	}
	for k, v := range s.intents {
		st.intents[k] = v
	}
	for k, v := range s.plans {
		st.plans[k] = copyPlan(v)
	}
	for k, v := range s.idem {
		st.idem[k] = v
	}
	return st
}

func (s *memStore) restore(st memState) {
	s.wallets = st.wallets
	s.lots = st.lots
	s.lotSeq = st.lotSeq
	s.entries = st.entries
	s.intents = st.intents
	s.plans = st.plans
	s.idem = st.idem
}

// wallet returns a copy of the stored wallet for assertions.
func (s *memStore) wallet(id uuid.UUID) domain.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets[id]
}

func (s *memStore) walletOf(userID uuid.UUID, mode domain.ValuationMode) (domain.Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		if w.UserID == userID && w.Mode == mode {
			return w, true
		}
	}
	return domain.Wallet{}, false
}

// totalGrams sums every bucket of every wallet.
func (s *memStore) totalGrams() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, w := range s.wallets {
		total = total.Add(w.Balance.Total())
	}
	return total
}

// lotGrams sums the remaining grams of a wallet's lots, split by plan binding.
func (s *memStore) lotGrams(walletID uuid.UUID) (free, bound decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	free, bound = decimal.Zero, decimal.Zero
	for _, l := range s.lots {
		if l.WalletID != walletID {
			continue
		}
		if l.Free() {
			free = free.Add(l.RemainingGrams)
		} else {
			bound = bound.Add(l.RemainingGrams)
		}
	}
	return free, bound
}

func (s *memStore) entryCount(walletID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.WalletID == walletID {
			n++
		}
	}
	return n
}

func copyPlan(p domain.Plan) domain.Plan {
	p.Distributions = append([]domain.Distribution(nil), p.Distributions...)
	return p
}

// seedWallet stores a wallet with grams in the given bucket. FIXED wallets
// get one lot per price, in order.
func (s *memStore) seedWallet(userID uuid.UUID, mode domain.ValuationMode, bucket domain.Bucket, lots ...seedLot) *domain.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := domain.NewWallet(userID, mode, now)
	total := decimal.Zero
	for i, sl := range lots {
		total = total.Add(sl.grams)
		if mode != domain.ModeFixed {
			continue
		}
		s.lotSeq++
		id := uuid.New()
		s.lots[id] = domain.Lot{
			ID:                   id,
			WalletID:             w.ID,
			Seq:                  s.lotSeq,
			Grams:                sl.grams,
			RemainingGrams:       sl.grams,
			AcquiredPricePerGram: sl.price,
			PriceAsOf:            now,
			PriceSource:          "seed",
			Origin:               domain.LotOriginPurchase,
			AcquiredAt:           now.Add(time.Duration(i) * time.Minute),
		}
	}
	if total.IsPositive() {
		w.Balance, _ = w.Balance.Credit(bucket, total)
	}
	w.TotalCredited = total
	s.wallets[w.ID] = *w
	out := *w
	return &out
}

type seedLot struct {
	grams decimal.Decimal
	price decimal.Decimal
}

func lotOf(grams, price string) seedLot {
	return seedLot{grams: decimal.RequireFromString(grams), price: decimal.RequireFromString(price)}
}

// --- Transactor ---

type memTransactor struct{ s *memStore }

func (t *memTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := t.s.failBegin(); err != nil {
		return nil, err
	}
	t.s.txMu.Lock()
	t.s.mu.Lock()
	snap := t.s.snapshot()
	t.s.begun++
	t.s.mu.Unlock()
	return &memTx{s: t.s, snap: snap}, nil
}

func (s *memStore) failBegin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail("tx.Begin")
}

// memTx is a pgx.Tx over memStore. Only Commit and Rollback do anything.
type memTx struct {
	s    *memStore
	snap memState
	done bool
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.s.mu.Lock()
	err := t.s.fail("tx.Commit")
	if err != nil {
		t.s.restore(t.snap)
		t.s.rollbacks++
	} else {
		t.s.commits++
	}
	t.s.mu.Unlock()
	t.done = true
	t.s.txMu.Unlock()
	return err
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.s.mu.Lock()
	t.s.restore(t.snap)
	t.s.rollbacks++
	t.s.mu.Unlock()
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *memTx) Conn() *pgx.Conn                                               { return nil }

// --- Wallets ---

type memWalletRepo struct{ s *memStore }

func (r *memWalletRepo) ensure(userID uuid.UUID, mode domain.ValuationMode) (domain.Wallet, error) {
	if err := r.s.fail("wallets.Ensure"); err != nil {
		return domain.Wallet{}, err
	}
	for _, w := range r.s.wallets {
		if w.UserID == userID && w.Mode == mode {
			return w, nil
		}
	}
	w := domain.NewWallet(userID, mode, time.Now().UTC())
	r.s.wallets[w.ID] = *w
	return *w, nil
}

func (r *memWalletRepo) EnsureForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, err := r.ensure(userID, mode)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *memWalletRepo) Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID, mode domain.ValuationMode) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, err := r.ensure(userID, mode)
	if err != nil {
		return uuid.Nil, err
	}
	return w.ID, nil
}

func (r *memWalletRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error) {
	return r.GetByID(ctx, id)
}

func (r *memWalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	w, ok := r.s.wallets[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (r *memWalletRepo) GetByUser(ctx context.Context, userID uuid.UUID, mode domain.ValuationMode) (*domain.Wallet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, w := range r.s.wallets {
		if w.UserID == userID && w.Mode == mode {
			return &w, nil
		}
	}
	return nil, nil
}

func (r *memWalletRepo) Update(ctx context.Context, tx pgx.Tx, wallet *domain.Wallet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("wallets.Update"); err != nil {
		return err
	}
	r.s.wallets[wallet.ID] = *wallet
	return nil
}

// --- Lots ---

type memLotRepo struct{ s *memStore }

func (r *memLotRepo) Create(ctx context.Context, tx pgx.Tx, lot *domain.Lot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("lots.Create"); err != nil {
		return err
	}
	r.s.lotSeq++
	lot.Seq = r.s.lotSeq
	r.s.lots[lot.ID] = *lot
	return nil
}

func (r *memLotRepo) open(walletID uuid.UUID) []domain.Lot {
	var out []domain.Lot
	for _, l := range r.s.lots {
		if l.WalletID == walletID && !l.Exhausted() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.Before(out[j].AcquiredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (r *memLotRepo) ListOpenForUpdate(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) ([]domain.Lot, error) {
	return r.ListOpen(ctx, walletID)
}

func (r *memLotRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Lot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.lots[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r *memLotRepo) UpdateRemaining(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("lots.UpdateRemaining"); err != nil {
		return err
	}
	l := r.s.lots[id]
	l.RemainingGrams = remaining
	r.s.lots[id] = l
	return nil
}

func (r *memLotRepo) ListOpen(ctx context.Context, walletID uuid.UUID) ([]domain.Lot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.open(walletID), nil
}

// --- Entries ---

type memEntryRepo struct{ s *memStore }

func (r *memEntryRepo) Create(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("entries.Create"); err != nil {
		return err
	}
	r.s.entries = append(r.s.entries, *entry)
	return nil
}

func (r *memEntryRepo) ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.LedgerEntry
	for i := len(r.s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.s.entries[i].WalletID == walletID {
			out = append(out, r.s.entries[i])
		}
	}
	return out, nil
}

func (r *memEntryRepo) ListByReference(ctx context.Context, tx pgx.Tx, reference string) ([]domain.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("entries.ListByReference"); err != nil {
		return nil, err
	}
	var out []domain.LedgerEntry
	for _, e := range r.s.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Intents ---

type memIntentRepo struct{ s *memStore }

func (r *memIntentRepo) Create(ctx context.Context, tx pgx.Tx, intent *domain.Intent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("intents.Create"); err != nil {
		return err
	}
	r.s.intents[intent.ID] = *intent
	return nil
}

func (r *memIntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	in, ok := r.s.intents[id]
	if !ok {
		return nil, nil
	}
	return &in, nil
}

func (r *memIntentRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Intent, error) {
	return r.GetByID(ctx, id)
}

func (r *memIntentRepo) Update(ctx context.Context, tx pgx.Tx, intent *domain.Intent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("intents.Update"); err != nil {
		return err
	}
	r.s.intents[intent.ID] = *intent
	return nil
}

func (r *memIntentRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Intent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Intent
	for _, in := range r.s.intents {
		if in.Involves(userID) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memIntentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []uuid.UUID
	for _, in := range r.s.intents {
		if in.IsExpired(now) && len(out) < limit {
			out = append(out, in.ID)
		}
	}
	return out, nil
}

// --- Plans ---

type memPlanRepo struct{ s *memStore }

func (r *memPlanRepo) Create(ctx context.Context, tx pgx.Tx, plan *domain.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("plans.Create"); err != nil {
		return err
	}
	r.s.plans[plan.ID] = copyPlan(*plan)
	return nil
}

func (r *memPlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.plans[id]
	if !ok {
		return nil, nil
	}
	p = copyPlan(p)
	return &p, nil
}

func (r *memPlanRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Plan, error) {
	return r.GetByID(ctx, id)
}

func (r *memPlanRepo) Update(ctx context.Context, tx pgx.Tx, plan *domain.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("plans.Update"); err != nil {
		return err
	}
	stored := r.s.plans[plan.ID]
	dists := stored.Distributions
	stored = copyPlan(*plan)
	stored.Distributions = dists
	r.s.plans[plan.ID] = stored
	return nil
}

func (r *memPlanRepo) UpdateDistribution(ctx context.Context, tx pgx.Tx, dist *domain.Distribution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("plans.UpdateDistribution"); err != nil {
		return err
	}
	p := copyPlan(r.s.plans[dist.PlanID])
	for i := range p.Distributions {
		if p.Distributions[i].Index == dist.Index {
			p.Distributions[i] = *dist
		}
	}
	r.s.plans[dist.PlanID] = p
	return nil
}

func (r *memPlanRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Plan
	for _, p := range r.s.plans {
		if p.UserID == userID {
			out = append(out, copyPlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memPlanRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]ports.DistributionRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []ports.DistributionRef
	for _, p := range r.s.plans {
		if !p.IsActive() {
			continue
		}
		for _, d := range p.Distributions {
			if d.Status == domain.DistributionStatusPending && d.IsDue(now) && len(out) < limit {
				out = append(out, ports.DistributionRef{PlanID: p.ID, Index: d.Index})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r *memPlanRepo) ListMaturable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []uuid.UUID
	for _, p := range r.s.plans {
		if p.IsActive() && p.IsMature(now) && len(p.Unpaid()) == 0 && len(out) < limit {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

// --- Idempotency ---

type memIdempotencyRepo struct{ s *memStore }

func (r *memIdempotencyRepo) Create(ctx context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("idempotency.Create"); err != nil {
		return err
	}
	r.s.idem[log.Key] = *log
	return nil
}

func (r *memIdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.idem[key]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// --- Collaborators ---

// stubOracle returns a settable snapshot.
type stubOracle struct {
	mu    sync.Mutex
	snap  domain.PriceSnapshot
	err   error
	calls int
}

func newStubOracle(price string) *stubOracle {
	return &stubOracle{snap: domain.PriceSnapshot{
		PricePerGram: decimal.RequireFromString(price),
		AsOf:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:       "stub",
	}}
}

func (o *stubOracle) SpotPrice(ctx context.Context) (domain.PriceSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.snap, o.err
}

func (o *stubOracle) set(price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.PricePerGram = decimal.RequireFromString(price)
}

// recordingNotifier keeps every event it is given.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func g(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
