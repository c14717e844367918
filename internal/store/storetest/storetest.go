// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store whose lock waits time out after
// lockTimeout. The factory owns cleanup (t.Cleanup).
type Factory func(t *testing.T, lockTimeout time.Duration) store.Store

// Run executes the whole suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore) })
	t.Run("DuplicateAccount", func(t *testing.T) { testDuplicateAccount(t, newStore) })
	t.Run("FeeCollector", func(t *testing.T) { testFeeCollector(t, newStore) })
	t.Run("UpdateCommits", func(t *testing.T) { testUpdateCommits(t, newStore) })
	t.Run("UpdateRollsBackOnError", func(t *testing.T) { testUpdateRollsBack(t, newStore) })
	t.Run("NegativeBalanceGuard", func(t *testing.T) { testNegativeBalance(t, newStore) })
	t.Run("BalanceOverflowGuard", func(t *testing.T) { testBalanceOverflow(t, newStore) })
	t.Run("MaxSequenceID", func(t *testing.T) { testMaxSequenceID(t, newStore) })
	t.Run("DuplicateTransactionID", func(t *testing.T) { testDuplicateTransactionID(t, newStore) })
	t.Run("UnknownAndUnlockedAccounts", func(t *testing.T) { testUnknownAndUnlocked(t, newStore) })
	t.Run("Contention", func(t *testing.T) { testContention(t, newStore) })
	t.Run("FindByParticipantOrdering", func(t *testing.T) { testParticipantOrdering(t, newStore) })
}

// Seed creates alice (1000), bob (0, with email) and the admin fee collector.
func Seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	for _, acc := range []domain.Account{
		{ID: "01710000001", Email: "alice@example.com", Name: "Alice", Balance: 1000, Role: domain.RoleUser},
		{ID: "01710000002", Email: "bob@example.com", Name: "Bob", Balance: 0, Role: domain.RoleUser},
		{ID: "01710000000", Email: "admin@example.com", Name: "Admin", Balance: 0, Role: domain.RoleAdmin, FeeCollector: true},
	} {
		_, err := s.CreateAccount(ctx, acc)
		require.NoError(t, err)
	}
}

const (
	alice = "01710000001"
	bob   = "01710000002"
	admin = "01710000000"
)

func balance(t *testing.T, s store.Store, id string) int64 {
	t.Helper()
	acc, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

// transfer applies a sender-pays transfer inside uow.
func transfer(ctx context.Context, uow store.UnitOfWork, tx *domain.Transaction) error {
	if _, err := uow.ApplyDelta(ctx, tx.SenderID, -(tx.Amount + tx.FeeCharged)); err != nil {
		return err
	}
	if _, err := uow.ApplyDelta(ctx, tx.ReceiverID, tx.Amount); err != nil {
		return err
	}
	if tx.FeeCharged > 0 {
		if _, err := uow.ApplyDelta(ctx, admin, tx.FeeCharged); err != nil {
			return err
		}
	}
	return uow.Append(ctx, tx)
}

func newTx(id string, from, to string, amount, fee int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		TransactionID: id,
		SenderID:      from,
		ReceiverID:    to,
		Amount:        amount,
		FeeCharged:    fee,
		FeeSourcing:   domain.SenderPaysFee,
		Timestamp:     ts,
	}
}

func testCreateAndLookup(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	acc, err := s.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", acc.Name)
	assert.Equal(t, int64(1000), acc.Balance)
	assert.Equal(t, domain.RoleUser, acc.Role)
	assert.False(t, acc.CreatedAt.IsZero())

	byEmail, err := s.FindByIdentifier(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice, byEmail.ID)

	byPhone, err := s.FindByIdentifier(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, byPhone.ID)

	_, err = s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindByIdentifier(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateAccount(ctx, domain.Account{ID: "neg", Balance: -1})
	assert.ErrorIs(t, err, store.ErrInvalidAccount)
}

func testDuplicateAccount(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	_, err := s.CreateAccount(ctx, domain.Account{ID: alice, Role: domain.RoleUser})
	assert.ErrorIs(t, err, store.ErrDuplicateAccount)

	_, err = s.CreateAccount(ctx, domain.Account{ID: "01710000009", Email: "bob@example.com", Role: domain.RoleUser})
	assert.ErrorIs(t, err, store.ErrDuplicateAccount)
}

func testFeeCollector(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	ctx := context.Background()

	_, err := s.FindFeeCollector(ctx)
	assert.ErrorIs(t, err, store.ErrNoFeeCollector)

	Seed(t, s)
	collector, err := s.FindFeeCollector(ctx)
	require.NoError(t, err)
	assert.Equal(t, admin, collector.ID)

	_, err = s.CreateAccount(ctx, domain.Account{ID: "01710000003", Role: domain.RoleAdmin, FeeCollector: true})
	assert.ErrorIs(t, err, store.ErrFeeCollectorExists)
}

func testUpdateCommits(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	tx := newTx("TRX-01-1", alice, bob, 200, 5, time.Now().UTC())
	err := s.Update(ctx, []string{alice, bob, admin}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, tx)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(795), balance(t, s, alice))
	assert.Equal(t, int64(200), balance(t, s, bob))
	assert.Equal(t, int64(5), balance(t, s, admin))
	assert.Equal(t, int64(1), tx.Seq)

	size, err := s.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	entries, err := s.FindByParticipant(ctx, alice)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "TRX-01-1", entries[0].TransactionID)
	assert.Equal(t, int64(200), entries[0].Amount)
	assert.Equal(t, int64(5), entries[0].FeeCharged)
	assert.Equal(t, domain.SenderPaysFee, entries[0].FeeSourcing)

	viaEmail, err := s.FindByParticipant(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, entries, viaEmail)

	none, err := s.FindByParticipant(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateRollsBack(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := s.Update(ctx, []string{alice, bob, admin}, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := transfer(ctx, uow, newTx("TRX-01-2", alice, bob, 200, 5, time.Now().UTC())); err != nil {
			return err
		}
		// Reads inside the unit see its own changes.
		acc, err := uow.Get(ctx, alice)
		if err != nil {
			return err
		}
		if acc.Balance != 795 {
			return errors.New("unit did not see its own delta")
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, int64(1000), balance(t, s, alice))
	assert.Equal(t, int64(0), balance(t, s, bob))
	assert.Equal(t, int64(0), balance(t, s, admin))

	size, err := s.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func testNegativeBalance(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	err := s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, newTx("TRX-01-3", alice, bob, 2000, 0, time.Now().UTC()))
	})
	require.ErrorIs(t, err, store.ErrNegativeBalance)
	assert.Equal(t, int64(1000), balance(t, s, alice))
	assert.Equal(t, int64(0), balance(t, s, bob))
}

func testBalanceOverflow(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()
	const rich = "01710000009"
	_, err := s.CreateAccount(ctx, domain.Account{ID: rich, Name: "Rich", Balance: math.MaxInt64 - 5, Role: domain.RoleUser})
	require.NoError(t, err)

	err = s.Update(ctx, []string{alice, rich}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, newTx("TRX-01-4", alice, rich, 10, 0, time.Now().UTC()))
	})
	require.ErrorIs(t, err, store.ErrBalanceOverflow)
	assert.Equal(t, int64(1000), balance(t, s, alice))
	assert.Equal(t, int64(math.MaxInt64-5), balance(t, s, rich))
}

func testMaxSequenceID(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	highest, err := s.MaxSequenceID(ctx)
	require.NoError(t, err)
	assert.Zero(t, highest)

	for _, id := range []string{
		"TRX-01-0000000009",
		"TRX-01-0000000010",
		"TRX-01-0000000002",
		"TRX-01-340282366920938463463374607431768211455",
		"TRX-01-legacy",
	} {
		require.NoError(t, s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
			return transfer(ctx, uow, newTx(id, alice, bob, 1, 0, time.Now().UTC()))
		}))
	}

	highest, err = s.MaxSequenceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), highest)
}

func testDuplicateTransactionID(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	first := newTx("TRX-01-42", alice, bob, 10, 0, time.Now().UTC())
	require.NoError(t, s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, first)
	}))

	err := s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, newTx("TRX-01-42", alice, bob, 10, 0, time.Now().UTC()))
	})
	require.ErrorIs(t, err, store.ErrDuplicateTransactionID)

	assert.Equal(t, int64(990), balance(t, s, alice))
	assert.Equal(t, int64(10), balance(t, s, bob))
	size, err := s.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func testUnknownAndUnlocked(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	err := s.Update(ctx, []string{alice, "ghost"}, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.ApplyDelta(ctx, "ghost", 10)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Update(ctx, []string{alice}, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.ApplyDelta(ctx, bob, 10)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotLocked)
	assert.Equal(t, int64(0), balance(t, s, bob))
}

func testContention(t *testing.T, newStore Factory) {
	s := newStore(t, 100*time.Millisecond)
	Seed(t, s)
	ctx := context.Background()

	holding := make(chan struct{})
	done := make(chan struct{})
	firstErr := make(chan error, 1)

	go func() {
		firstErr <- s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
			close(holding)
			<-done
			return transfer(ctx, uow, newTx("TRX-01-7", alice, bob, 1, 0, time.Now().UTC()))
		})
	}()

	<-holding
	err := s.Update(ctx, []string{bob, alice}, func(ctx context.Context, uow store.UnitOfWork) error {
		return transfer(ctx, uow, newTx("TRX-01-8", bob, alice, 1, 0, time.Now().UTC()))
	})
	close(done)

	require.ErrorIs(t, err, store.ErrContention)
	require.NoError(t, <-firstErr)
	assert.Equal(t, int64(999), balance(t, s, alice))
	assert.Equal(t, int64(1), balance(t, s, bob))
}

func testParticipantOrdering(t *testing.T, newStore Factory) {
	s := newStore(t, time.Second)
	Seed(t, s)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	txs := []*domain.Transaction{
		newTx("TRX-01-103", alice, bob, 30, 0, base.Add(2*time.Minute)),
		newTx("TRX-01-101", alice, bob, 10, 0, base),
		newTx("TRX-01-102", bob, alice, 5, 0, base.Add(time.Minute)),
	}
	for _, tx := range txs {
		require.NoError(t, s.Update(ctx, []string{alice, bob}, func(ctx context.Context, uow store.UnitOfWork) error {
			return transfer(ctx, uow, tx)
		}))
	}

	first, err := s.FindByParticipant(ctx, alice)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "TRX-01-101", first[0].TransactionID)
	assert.Equal(t, "TRX-01-102", first[1].TransactionID)
	assert.Equal(t, "TRX-01-103", first[2].TransactionID)
	for _, tx := range first {
		assert.True(t, tx.Timestamp.Equal(tx.Timestamp.UTC()))
	}

	again, err := s.FindByParticipant(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, first, again, "re-reading without writes must be identical")
}
