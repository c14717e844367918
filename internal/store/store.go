// Package store defines the account store, the ledger, and the unit of work
// that lets the transfer engine mutate several accounts atomically.
//
// Backends live in sub packages: memstore (in-process, optionally journaled),
// pgstore (PostgreSQL) and sqlstore (SQLite through bun). All of them pass the
// storetest conformance suite.
package store

import (
	"context"
	"errors"
	"math"
	"slices"

	"github.com/nathanyu/pocket-pal/internal/domain"
)

var (
	ErrNotFound               = errors.New("account not found")
	ErrNoFeeCollector         = errors.New("no fee collector configured")
	ErrFeeCollectorExists     = errors.New("a fee collector is already configured")
	ErrDuplicateAccount       = errors.New("account already exists")
	ErrDuplicateTransactionID = errors.New("transaction id already used")
	ErrNegativeBalance        = errors.New("balance would become negative")
	ErrBalanceOverflow        = errors.New("balance would overflow")
	ErrNotLocked              = errors.New("account is not part of the lock set")
	ErrContention             = errors.New("lock wait timed out")
	ErrStorage                = errors.New("storage failure")
	// ErrCommitUncertain means the commit may or may not have been applied.
	// It does not wrap ErrStorage and must not be retried.
	ErrCommitUncertain = errors.New("commit outcome unknown")
	ErrInvalidAccount  = errors.New("invalid account")
)

// Reader is the read side shared by every backend.
type Reader interface {
	// Get returns the account with the given id.
	Get(ctx context.Context, id string) (domain.Account, error)
	// FindByIdentifier resolves an account by id (phone) or email alias.
	FindByIdentifier(ctx context.Context, identifier string) (domain.Account, error)
	// FindFeeCollector returns the designated fee collector.
	FindFeeCollector(ctx context.Context) (domain.Account, error)
	// FindByParticipant returns the ledger entries an account sent or
	// received, ordered by timestamp then commit sequence.
	FindByParticipant(ctx context.Context, identifier string) ([]domain.Transaction, error)
	// LedgerSize returns the number of committed ledger entries.
	LedgerSize(ctx context.Context) (int64, error)
	// MaxSequenceID returns the largest committed id suffix that fits a
	// uint64, or 0 when there is none.
	MaxSequenceID(ctx context.Context) (uint64, error)
}

// UnitOfWork is handed to Update callbacks. Nothing done through it is
// visible to other readers until the callback returns nil and the backend
// commits; any error discards every change.
type UnitOfWork interface {
	// Get reads an account including changes made earlier in this unit.
	Get(ctx context.Context, id string) (domain.Account, error)
	// ApplyDelta adds delta to a locked account's balance and returns the
	// new balance.
	ApplyDelta(ctx context.Context, id string, delta int64) (int64, error)
	// Append adds a ledger entry. The backend fills in tx.Seq (and
	// tx.Timestamp when zero) no later than commit, so after Update returns
	// nil tx holds the committed entry.
	Append(ctx context.Context, tx *domain.Transaction) error
}

// Store is an account store plus ledger with an explicit lifecycle.
type Store interface {
	Reader

	// Update locks lockIDs in sorted order, runs fn and commits atomically.
	// Lock waits are bounded; a timeout yields ErrContention.
	Update(ctx context.Context, lockIDs []string, fn func(ctx context.Context, uow UnitOfWork) error) error

	// CreateAccount is the registration hook. It rejects duplicate ids or
	// emails and a second fee collector.
	CreateAccount(ctx context.Context, acc domain.Account) (domain.Account, error)

	Close() error
}

// AddBalance returns balance+delta, or ErrBalanceOverflow / ErrNegativeBalance
// when the result does not fit or would go below zero.
func AddBalance(balance, delta int64) (int64, error) {
	if (delta > 0 && balance > math.MaxInt64-delta) || (delta < 0 && balance < math.MinInt64-delta) {
		return 0, ErrBalanceOverflow
	}
	next := balance + delta
	if next < 0 {
		return 0, ErrNegativeBalance
	}
	return next, nil
}

// LockSet returns the sorted, de-duplicated, non-empty ids. Every backend
// acquires locks in this order so crossing transfers cannot deadlock.
func LockSet(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidateNewAccount checks the fields CreateAccount requires.
func ValidateNewAccount(acc domain.Account) error {
	if acc.ID == "" {
		return errors.Join(ErrInvalidAccount, errors.New("id is required"))
	}
	if acc.Balance < 0 {
		return errors.Join(ErrInvalidAccount, errors.New("balance must not be negative"))
	}
	if acc.Role != "" && !acc.Role.Valid() {
		return errors.Join(ErrInvalidAccount, errors.New("unknown role "+string(acc.Role)))
	}
	return nil
}

// SortTransactions orders entries by timestamp, then commit sequence.
func SortTransactions(txs []domain.Transaction) {
	slices.SortStableFunc(txs, func(a, b domain.Transaction) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}
