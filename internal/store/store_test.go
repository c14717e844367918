package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSet(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, LockSet("c", "a", "", "b", "a"))
	assert.Empty(t, LockSet("", ""))
}

func TestSortTransactions(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []domain.Transaction{
		{TransactionID: "3", Seq: 3, Timestamp: base.Add(time.Second)},
		{TransactionID: "2", Seq: 2, Timestamp: base},
		{TransactionID: "1", Seq: 1, Timestamp: base},
	}
	SortTransactions(txs)
	assert.Equal(t, "1", txs[0].TransactionID)
	assert.Equal(t, "2", txs[1].TransactionID)
	assert.Equal(t, "3", txs[2].TransactionID)
}

func TestValidateNewAccount(t *testing.T) {
	assert.NoError(t, ValidateNewAccount(domain.Account{ID: "a", Role: domain.RoleUser}))
	assert.ErrorIs(t, ValidateNewAccount(domain.Account{}), ErrInvalidAccount)
	assert.ErrorIs(t, ValidateNewAccount(domain.Account{ID: "a", Balance: -1}), ErrInvalidAccount)
	assert.ErrorIs(t, ValidateNewAccount(domain.Account{ID: "a", Role: "root"}), ErrInvalidAccount)
}

func TestLockTable_TimeoutReleasesPartialLocks(t *testing.T) {
	locks := NewLockTable()
	ctx := context.Background()

	releaseB, err := locks.Acquire(ctx, []string{"b"}, time.Second)
	require.NoError(t, err)

	// a is free, b is held: the attempt must time out and give a back.
	_, err = locks.Acquire(ctx, []string{"a", "b"}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrContention)

	releaseA, err := locks.Acquire(ctx, []string{"a"}, 20*time.Millisecond)
	require.NoError(t, err, "a must have been released after the failed attempt")
	releaseA()
	releaseB()
}

func TestLockTable_ContextCancel(t *testing.T) {
	locks := NewLockTable()
	release, err := locks.Acquire(context.Background(), []string{"a"}, time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locks.Acquire(ctx, []string{"a"}, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLockTable_Serializes(t *testing.T) {
	locks := NewLockTable()
	counter := 0

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), []string{"x"}, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestAddBalance(t *testing.T) {
	next, err := AddBalance(10, -10)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = AddBalance(10, -11)
	assert.ErrorIs(t, err, ErrNegativeBalance)

	next, err = AddBalance(math.MaxInt64-5, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), next)

	_, err = AddBalance(math.MaxInt64-5, 6)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	_, err = AddBalance(0, math.MinInt64)
	assert.Error(t, err)
}
