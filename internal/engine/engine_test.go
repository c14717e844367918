package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/events"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "01710000001"
	bob   = "01710000002"
	admin = "01710000000"
)

type fixture struct {
	store    *memstore.Store
	engine   *Engine
	recorder *events.Recorder
}

func seedAccounts(t *testing.T, s store.Store, accounts ...domain.Account) {
	t.Helper()
	for _, acc := range accounts {
		_, err := s.CreateAccount(context.Background(), acc)
		require.NoError(t, err)
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := memstore.New()
	seedAccounts(t, s,
		domain.Account{ID: alice, Email: "alice@example.com", Name: "Alice", Balance: 1000},
		domain.Account{ID: bob, Email: "bob@example.com", Name: "Bob"},
		domain.Account{ID: admin, Name: "Admin", Role: domain.RoleAdmin, FeeCollector: true},
	)
	rec := &events.Recorder{}
	e := New(s, append([]Option{WithPublisher(rec)}, opts...)...)
	return &fixture{store: s, engine: e, recorder: rec}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) ledgerSize(t *testing.T) int64 {
	t.Helper()
	n, err := f.store.LedgerSize(context.Background())
	require.NoError(t, err)
	return n
}

func TestTransferChargesFeeAboveThreshold(t *testing.T) {
	f := newFixture(t)

	tx, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.NoError(t, err)

	assert.Equal(t, int64(795), f.balance(t, alice))
	assert.Equal(t, int64(200), f.balance(t, bob))
	assert.Equal(t, int64(5), f.balance(t, admin))
	assert.Equal(t, int64(1000), f.store.TotalBalance())

	assert.True(t, strings.HasPrefix(tx.TransactionID, domain.TransactionIDPrefix))
	assert.Equal(t, int64(200), tx.Amount)
	assert.Equal(t, int64(5), tx.FeeCharged)
	assert.Equal(t, domain.SenderPaysFee, tx.FeeSourcing)
	assert.Equal(t, int64(1), tx.Seq)
	assert.False(t, tx.Timestamp.IsZero())

	entries, err := f.store.FindByParticipant(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tx, entries[0])

	published := f.recorder.Events()
	require.Len(t, published, 1)
	assert.Equal(t, tx, published[0].Transaction)
	assert.Equal(t, admin, published[0].FeeCollectorID)
}

func TestTransferBelowThresholdIsFree(t *testing.T) {
	f := newFixture(t)

	tx, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 50})
	require.NoError(t, err)

	assert.Zero(t, tx.FeeCharged)
	assert.Equal(t, int64(950), f.balance(t, alice))
	assert.Equal(t, int64(50), f.balance(t, bob))
	assert.Zero(t, f.balance(t, admin))
}

func TestTransferWithoutFeeDoesNotLockCollector(t *testing.T) {
	f := newFixture(t, WithRetry(1, time.Second))

	// Hold the collector's lock for the whole transfer.
	holding := make(chan struct{})
	done := make(chan struct{})
	go f.store.Update(context.Background(), []string{admin}, func(context.Context, store.UnitOfWork) error {
		close(holding)
		<-done
		return nil
	})
	<-holding
	defer close(done)

	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 50})
	require.NoError(t, err)
}

func TestValidationOrder(t *testing.T) {
	tests := []struct {
		name string
		req  domain.TransferRequest
		want *domain.TransferError
	}{
		{"zero amount before self transfer", domain.TransferRequest{SenderID: alice, ReceiverID: alice, Amount: 0}, domain.ErrInvalidAmount},
		{"negative amount", domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: -5}, domain.ErrInvalidAmount},
		{"self transfer before lookup", domain.TransferRequest{SenderID: "ghost", ReceiverID: "ghost", Amount: 10}, domain.ErrSelfTransfer},
		{"unknown sender before unknown receiver", domain.TransferRequest{SenderID: "ghost", ReceiverID: "phantom", Amount: 10}, domain.ErrSenderNotFound},
		{"unknown receiver", domain.TransferRequest{SenderID: alice, ReceiverID: "phantom", Amount: 10}, domain.ErrReceiverNotFound},
		{"insufficient funds", domain.TransferRequest{SenderID: bob, ReceiverID: alice, Amount: 10}, domain.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Transfer(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.False(t, domain.KindOf(err).Retryable())
			assert.Zero(t, f.ledgerSize(t))
			assert.Equal(t, int64(1000), f.balance(t, alice))
			assert.Empty(t, f.recorder.Events())
		})
	}
}

func TestMissingFeeCollector(t *testing.T) {
	s := memstore.New()
	seedAccounts(t, s,
		domain.Account{ID: alice, Balance: 1000},
		domain.Account{ID: bob},
	)
	e := New(s)

	_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	require.ErrorIs(t, err, domain.ErrNoFeeCollector)

	// Checked before the parties are looked up.
	_, err = e.Transfer(context.Background(), domain.TransferRequest{SenderID: "ghost", ReceiverID: bob, Amount: 10})
	require.ErrorIs(t, err, domain.ErrNoFeeCollector)
}

func TestInsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t)

	// 996 + 5 fee exceeds 1000.
	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 996})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), f.balance(t, alice))
	assert.Zero(t, f.balance(t, bob))
	assert.Zero(t, f.balance(t, admin))
	assert.Zero(t, f.ledgerSize(t))

	// Exactly amount + fee drains the account.
	_, err = f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 995})
	require.NoError(t, err)
	assert.Zero(t, f.balance(t, alice))
	assert.Equal(t, int64(995), f.balance(t, bob))
	assert.Equal(t, int64(5), f.balance(t, admin))
}

func TestSenderDebitOverflowIsInvalidAmount(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: bob, ReceiverID: alice, Amount: math.MaxInt64 - 1})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, int64(0), f.balance(t, bob))
	assert.Equal(t, int64(1000), f.balance(t, alice))
	assert.Zero(t, f.ledgerSize(t))
}

func TestReceiverCreditOverflowIsInvalidAmount(t *testing.T) {
	f := newFixture(t)
	const rich = "01710000009"
	seedAccounts(t, f.store, domain.Account{ID: rich, Name: "Rich", Balance: math.MaxInt64 - 100})

	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: rich, Amount: 200})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), f.balance(t, alice))
	assert.Equal(t, int64(math.MaxInt64-100), f.balance(t, rich))
	assert.Equal(t, int64(0), f.balance(t, admin))
	assert.Zero(t, f.ledgerSize(t))
}

func TestReceiverPaysFee(t *testing.T) {
	f := newFixture(t, WithFeeSourcing(domain.ReceiverPaysFee))

	tx, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverPaysFee, tx.FeeSourcing)
	assert.Equal(t, int64(800), f.balance(t, alice))
	assert.Equal(t, int64(195), f.balance(t, bob))
	assert.Equal(t, int64(5), f.balance(t, admin))

	// The whole balance can be sent since the fee comes out of the credit.
	_, err = f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 800})
	require.NoError(t, err)
	assert.Zero(t, f.balance(t, alice))
	assert.Equal(t, int64(1000), f.store.TotalBalance())
}

func TestFeeLargerThanAmountUnderReceiverSourcing(t *testing.T) {
	f := newFixture(t,
		WithFeeSourcing(domain.ReceiverPaysFee),
		WithFeePolicy(FeeFunc(func(int64) int64 { return 10 })),
	)
	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 5})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Zero(t, f.ledgerSize(t))
}

func TestCollectorAsParty(t *testing.T) {
	s := memstore.New()
	seedAccounts(t, s,
		domain.Account{ID: alice, Balance: 1000},
		domain.Account{ID: bob},
		domain.Account{ID: admin, Role: domain.RoleAdmin, FeeCollector: true, Balance: 1000},
	)
	e := New(s)
	ctx := context.Background()

	_, err := e.Transfer(ctx, domain.TransferRequest{SenderID: admin, ReceiverID: bob, Amount: 200})
	require.NoError(t, err)
	_, err = e.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: admin, Amount: 100})
	require.NoError(t, err)

	get := func(id string) int64 {
		acc, err := s.Get(ctx, id)
		require.NoError(t, err)
		return acc.Balance
	}
	assert.Equal(t, int64(1000-205+5+100+5), get(admin))
	assert.Equal(t, int64(200), get(bob))
	assert.Equal(t, int64(895), get(alice))
	assert.Equal(t, int64(2000), s.TotalBalance())
}

// scriptedIDs hands out ids from a list, then falls back to a counter.
type scriptedIDs struct {
	mu     sync.Mutex
	script []string
	n      int
}

func (g *scriptedIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.script) > 0 {
		id := g.script[0]
		g.script = g.script[1:]
		return id
	}
	g.n++
	return fmt.Sprintf("%sfallback-%d", domain.TransactionIDPrefix, g.n)
}

func TestDuplicateTransactionIDIsRetried(t *testing.T) {
	ids := &scriptedIDs{script: []string{"TRX-01-1", "TRX-01-1", "TRX-01-2"}}
	f := newFixture(t, WithIDGenerator(ids))
	ctx := context.Background()

	first, err := f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "TRX-01-1", first.TransactionID)

	second, err := f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "TRX-01-2", second.TransactionID)

	assert.Equal(t, int64(2), f.ledgerSize(t))
	assert.Equal(t, int64(980), f.balance(t, alice))
	assert.Equal(t, int64(20), f.balance(t, bob))
}

func TestDuplicateTransactionIDExhaustsRetries(t *testing.T) {
	ids := &scriptedIDs{script: []string{"TRX-01-1", "TRX-01-1", "TRX-01-1", "TRX-01-1"}}
	f := newFixture(t, WithIDGenerator(ids), WithRetry(3, time.Second))
	ctx := context.Background()

	_, err := f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	require.NoError(t, err)

	_, err = f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	require.ErrorIs(t, err, domain.ErrStorageFailure)
	assert.Equal(t, int64(1), f.ledgerSize(t))
	assert.Equal(t, int64(990), f.balance(t, alice))
}

// flakyStore fails the first n units of work with err.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (s *flakyStore) Update(ctx context.Context, lockIDs []string, fn func(context.Context, store.UnitOfWork) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.n
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.Store.Update(ctx, lockIDs, fn)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	for _, cause := range []error{store.ErrContention, store.ErrStorage} {
		t.Run(cause.Error(), func(t *testing.T) {
			f := newFixture(t)
			flaky := &flakyStore{Store: f.store, n: 2, err: fmt.Errorf("%w: injected", cause)}
			e := New(flaky, WithRetry(5, time.Second))

			_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
			require.NoError(t, err)
			assert.Equal(t, 3, flaky.calls)
			assert.Equal(t, int64(795), f.balance(t, alice))
		})
	}
}

func TestPersistentContentionSurfaces(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store, n: 100, err: fmt.Errorf("%w: injected", store.ErrContention)}
	e := New(flaky, WithRetry(3, time.Second))

	_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.ErrorIs(t, err, domain.ErrContention)
	assert.True(t, domain.KindOf(err).Retryable())
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, int64(1000), f.balance(t, alice))
}

func TestUncertainCommitIsNotRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store, n: 100, err: fmt.Errorf("%w: connection reset", store.ErrCommitUncertain)}
	e := New(flaky, WithRetry(5, time.Second))

	_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.ErrorIs(t, err, domain.ErrStorageFailure)
	assert.Equal(t, 1, flaky.calls)
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store}
	e := New(flaky)

	_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: bob, ReceiverID: alice, Amount: 10})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Zero(t, flaky.calls, "rejected before locking")
}

func TestLockTimeoutReportsContention(t *testing.T) {
	s := memstore.New(memstore.WithLockTimeout(20 * time.Millisecond))
	seedAccounts(t, s,
		domain.Account{ID: alice, Balance: 1000},
		domain.Account{ID: bob},
		domain.Account{ID: admin, Role: domain.RoleAdmin, FeeCollector: true},
	)
	e := New(s, WithRetry(2, time.Second))

	holding := make(chan struct{})
	done := make(chan struct{})
	go s.Update(context.Background(), []string{bob}, func(context.Context, store.UnitOfWork) error {
		close(holding)
		<-done
		return nil
	})
	<-holding

	_, err := e.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 10})
	close(done)
	require.ErrorIs(t, err, domain.ErrContention)

	acc, err := s.Get(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Balance)
}

func TestCancelledTransferChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1000), f.balance(t, alice))
	assert.Zero(t, f.ledgerSize(t))
}

func TestPublishFailureDoesNotFailTransfer(t *testing.T) {
	f := newFixture(t)
	f.recorder.FailWith(errors.New("nats down"))

	_, err := f.engine.Transfer(context.Background(), domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.balance(t, bob))
}

func TestReadsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Transfer(ctx, domain.TransferRequest{SenderID: alice, ReceiverID: bob, Amount: 120})
	require.NoError(t, err)

	a1, err := f.store.Get(ctx, alice)
	require.NoError(t, err)
	a2, err := f.store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	l1, err := f.store.FindByParticipant(ctx, alice)
	require.NoError(t, err)
	l2, err := f.store.FindByParticipant(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, l1, l2)
}

// TestConcurrentTransfersMatchSequentialReplay fires 1,000 transfers over 10
// accounts at once and checks that the final balances equal a sequential
// replay of the ledger in commit order, with no replay step going negative.
func TestConcurrentTransfersMatchSequentialReplay(t *testing.T) {
	const (
		accounts  = 10
		transfers = 1000
		initial   = 1000
	)
	ctx := context.Background()
	s := memstore.New(memstore.WithLockTimeout(5 * time.Second))

	ids := make([]string, accounts)
	start := map[string]int64{admin: 0}
	seedAccounts(t, s, domain.Account{ID: admin, Role: domain.RoleAdmin, FeeCollector: true})
	for i := range ids {
		ids[i] = fmt.Sprintf("0172000%04d", i)
		start[ids[i]] = initial
		seedAccounts(t, s, domain.Account{ID: ids[i], Balance: initial})
	}
	e := New(s, WithRetry(20, 10*time.Second))

	rng := rand.New(rand.NewSource(42))
	reqs := make([]domain.TransferRequest, transfers)
	for i := range reqs {
		from := rng.Intn(accounts)
		to := (from + 1 + rng.Intn(accounts-1)) % accounts
		reqs[i] = domain.TransferRequest{SenderID: ids[from], ReceiverID: ids[to], Amount: int64(1 + rng.Intn(300))}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(req domain.TransferRequest) {
			defer wg.Done()
			_, err := e.Transfer(ctx, req)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(req)
	}
	wg.Wait()

	assert.Equal(t, int64(accounts*initial), s.TotalBalance(), "money must be conserved")

	seen := make(map[string]domain.Transaction)
	for _, id := range append(ids, admin) {
		entries, err := s.FindByParticipant(ctx, id)
		require.NoError(t, err)
		for _, tx := range entries {
			seen[tx.TransactionID] = tx
		}
	}
	require.Len(t, seen, succeeded)
	size, err := s.LedgerSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(succeeded), size)

	ledger := make([]domain.Transaction, 0, len(seen))
	for _, tx := range seen {
		ledger = append(ledger, tx)
	}
	sort.Slice(ledger, func(i, j int) bool { return ledger[i].Seq < ledger[j].Seq })

	replayed := make(map[string]int64, len(start))
	for id, b := range start {
		replayed[id] = b
	}
	for i, tx := range ledger {
		require.Equal(t, int64(i+1), tx.Seq, "commit sequence must be dense")
		for id, d := range (domain.TransferCompleted{Transaction: tx, FeeCollectorID: admin}).Deltas() {
			replayed[id] += d
			require.GreaterOrEqual(t, replayed[id], int64(0), "replay of %s drove %s negative", tx.TransactionID, id)
		}
	}

	for id, want := range replayed {
		acc, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, acc.Balance, "account %s", id)
	}
}
