// Package memstore is an in-process account store and ledger.
//
// Balances live in maps guarded by a store-wide RWMutex; mutation rights are
// per account locks from store.LockTable. When a journal is attached, every
// commit is written and fsynced to it before the in-memory state changes, and
// Open replays the journal to rebuild state after a restart.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/journal"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const backendName = "memory"

var tracer = otel.Tracer("memstore")

// DefaultLockTimeout bounds lock waits when no option overrides it.
const DefaultLockTimeout = 2 * time.Second

// Store keeps accounts and the ledger in memory.
type Store struct {
	// mu guards the maps and the ledger for readers. It is held only while
	// a commit publishes its changes, never while waiting for locks or I/O.
	mu           sync.RWMutex
	accounts     map[string]domain.Account
	byEmail      map[string]string
	ledger       []domain.Transaction
	txIDs        map[string]struct{}
	feeCollector string

	// commitMu orders journal writes with publication.
	commitMu sync.Mutex

	locks       *store.LockTable
	lockTimeout time.Duration
	journal     *journal.Journal
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long Update waits for account locks.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithJournal makes every commit durable in j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithClock overrides the clock used for CreatedAt defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]domain.Account),
		byEmail:     make(map[string]string),
		txIDs:       make(map[string]struct{}),
		locks:       store.NewLockTable(),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store backed by the journal at path, replaying whatever the
// journal already holds.
func Open(path string, opts ...Option) (*Store, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	s := New(append(opts, WithJournal(j))...)

	events, err := j.LoadAll()
	if err != nil {
		j.Close()
		return nil, err
	}
	if err := s.replay(events); err != nil {
		j.Close()
		return nil, err
	}
	telemetry.Logger.Info("journal replayed",
		slog.String("path", j.Path()),
		slog.Int("events", len(events)),
		slog.Int("transactions", len(s.ledger)),
	)
	return s, nil
}

// replay applies journaled events. Not safe for concurrent use; only called
// before the store is shared.
func (s *Store) replay(events []domain.Event) error {
	for i, event := range events {
		switch ev := event.(type) {
		case domain.AccountOpened:
			if err := s.checkNewAccount(ev.Account); err != nil {
				return fmt.Errorf("replay event %d: %w", i+1, err)
			}
			s.insertAccount(ev.Account)
		case domain.TransferCompleted:
			if _, dup := s.txIDs[ev.Transaction.TransactionID]; dup {
				return fmt.Errorf("replay event %d: %w", i+1, store.ErrDuplicateTransactionID)
			}
			for id, delta := range ev.Deltas() {
				acc, ok := s.accounts[id]
				if !ok {
					return fmt.Errorf("replay event %d: %s: %w", i+1, id, store.ErrNotFound)
				}
				next, err := store.AddBalance(acc.Balance, delta)
				if err != nil {
					return fmt.Errorf("replay event %d: %s: %w", i+1, id, err)
				}
				acc.Balance = next
				s.accounts[id] = acc
			}
			s.ledger = append(s.ledger, ev.Transaction)
			s.txIDs[ev.Transaction.TransactionID] = struct{}{}
		}
	}
	return nil
}

// Get returns the account with the given id.
func (s *Store) Get(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return acc, nil
}

// FindByIdentifier resolves an account by id or email.
func (s *Store) FindByIdentifier(_ context.Context, identifier string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if acc, ok := s.accounts[identifier]; ok {
		return acc, nil
	}
	if id, ok := s.byEmail[identifier]; ok {
		return s.accounts[id], nil
	}
	return domain.Account{}, fmt.Errorf("%s: %w", identifier, store.ErrNotFound)
}

// FindFeeCollector returns the designated fee collector.
func (s *Store) FindFeeCollector(_ context.Context) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feeCollector == "" {
		return domain.Account{}, store.ErrNoFeeCollector
	}
	return s.accounts[s.feeCollector], nil
}

// FindByParticipant returns the ledger entries involving identifier.
func (s *Store) FindByParticipant(_ context.Context, identifier string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := identifier
	if resolved, ok := s.byEmail[identifier]; ok {
		id = resolved
	}

	result := make([]domain.Transaction, 0)
	for _, tx := range s.ledger {
		if tx.Involves(id) {
			result = append(result, tx)
		}
	}
	store.SortTransactions(result)
	return result, nil
}

// LedgerSize returns the number of committed entries.
func (s *Store) LedgerSize(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.ledger)), nil
}

// MaxSequenceID returns the largest numeric id suffix in the ledger.
func (s *Store) MaxSequenceID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest uint64
	for _, tx := range s.ledger {
		if n, ok := domain.SequenceNumber(tx.TransactionID); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// CreateAccount registers a new account.
func (s *Store) CreateAccount(_ context.Context, acc domain.Account) (domain.Account, error) {
	if err := store.ValidateNewAccount(acc); err != nil {
		return domain.Account{}, err
	}
	if acc.Role == "" {
		acc.Role = domain.RoleUser
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	err := s.checkNewAccount(acc)
	s.mu.RUnlock()
	if err != nil {
		return domain.Account{}, err
	}

	if s.journal != nil {
		if err := s.journal.Append(domain.AccountOpened{Account: acc, PINHash: acc.PINHash}); err != nil {
			return domain.Account{}, fmt.Errorf("%w: %v", store.ErrStorage, err)
		}
	}

	s.mu.Lock()
	s.insertAccount(acc)
	s.mu.Unlock()
	return acc, nil
}

// checkNewAccount requires s.mu held (read or write) or exclusive access.
func (s *Store) checkNewAccount(acc domain.Account) error {
	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("%s: %w", acc.ID, store.ErrDuplicateAccount)
	}
	if _, ok := s.byEmail[acc.ID]; ok {
		return fmt.Errorf("%s: %w", acc.ID, store.ErrDuplicateAccount)
	}
	if acc.Email != "" {
		if _, ok := s.byEmail[acc.Email]; ok {
			return fmt.Errorf("%s: %w", acc.Email, store.ErrDuplicateAccount)
		}
		if _, ok := s.accounts[acc.Email]; ok {
			return fmt.Errorf("%s: %w", acc.Email, store.ErrDuplicateAccount)
		}
	}
	if acc.FeeCollector && s.feeCollector != "" {
		return store.ErrFeeCollectorExists
	}
	return nil
}

// insertAccount requires s.mu held for writing or exclusive access.
func (s *Store) insertAccount(acc domain.Account) {
	s.accounts[acc.ID] = acc
	if acc.Email != "" {
		s.byEmail[acc.Email] = acc.ID
	}
	if acc.FeeCollector {
		s.feeCollector = acc.ID
	}
}

// Update runs fn with exclusive rights over lockIDs and commits its effects.
func (s *Store) Update(ctx context.Context, lockIDs []string, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	lockIDs = store.LockSet(lockIDs...)

	ctx, span := tracer.Start(ctx, "memstore.update",
		trace.WithAttributes(
			attribute.String("db.system", backendName),
			attribute.StringSlice("lock_set", lockIDs),
		))
	defer span.End()

	waitStart := time.Now()
	release, err := s.locks.Acquire(ctx, lockIDs, s.lockTimeout)
	telemetry.LockWaitDuration.WithLabelValues(backendName).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer release()

	u := &unit{
		s:      s,
		locked: make(map[string]bool, len(lockIDs)),
		deltas: make(map[string]int64, len(lockIDs)),
	}
	for _, id := range lockIDs {
		u.locked[id] = true
	}

	if err := fn(ctx, u); err != nil {
		return err
	}

	// Nothing has been applied yet, so a cancelled caller can still walk away.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.commit(u); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// commit journals and publishes a unit. It either applies everything or
// nothing.
func (s *Store) commit(u *unit) error {
	if len(u.pending) == 0 && len(u.deltas) == 0 {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	nextSeq := int64(len(s.ledger)) + 1
	feeCollector := s.feeCollector
	for _, tx := range u.pending {
		if _, dup := s.txIDs[tx.TransactionID]; dup {
			s.mu.RUnlock()
			return fmt.Errorf("%s: %w", tx.TransactionID, store.ErrDuplicateTransactionID)
		}
	}
	s.mu.RUnlock()

	// Balances only ever move together with a ledger entry.
	implied := make(map[string]int64)
	events := make([]domain.Event, 0, len(u.pending))
	for i, tx := range u.pending {
		tx.Seq = nextSeq + int64(i)
		ev := domain.TransferCompleted{Transaction: *tx, FeeCollectorID: feeCollector}
		for id, d := range ev.Deltas() {
			implied[id] += d
		}
		events = append(events, ev)
	}
	if !sameDeltas(implied, u.deltas) {
		return fmt.Errorf("balance changes do not match ledger entries: applied %v, ledger implies %v", u.deltas, implied)
	}

	if s.journal != nil {
		if err := s.journal.AppendBatch(events); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorage, err)
		}
	}

	s.mu.Lock()
	for id, delta := range u.deltas {
		acc := s.accounts[id]
		acc.Balance += delta
		s.accounts[id] = acc
	}
	for _, tx := range u.pending {
		s.ledger = append(s.ledger, *tx)
		s.txIDs[tx.TransactionID] = struct{}{}
	}
	s.mu.Unlock()

	telemetry.LedgerAppendsTotal.WithLabelValues(backendName).Add(float64(len(u.pending)))
	return nil
}

func sameDeltas(a, b map[string]int64) bool {
	nonZero := func(m map[string]int64) map[string]int64 {
		out := make(map[string]int64, len(m))
		for k, v := range m {
			if v != 0 {
				out[k] = v
			}
		}
		return out
	}
	return maps.Equal(nonZero(a), nonZero(b))
}

// Close closes the journal, if any.
func (s *Store) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// TotalBalance returns the sum of all balances.
func (s *Store) TotalBalance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, acc := range s.accounts {
		total += acc.Balance
	}
	return total
}

// unit buffers the effects of one Update callback.
type unit struct {
	s       *Store
	locked  map[string]bool
	deltas  map[string]int64
	pending []*domain.Transaction
}

func (u *unit) Get(ctx context.Context, id string) (domain.Account, error) {
	acc, err := u.s.Get(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	acc.Balance += u.deltas[id]
	return acc, nil
}

func (u *unit) ApplyDelta(ctx context.Context, id string, delta int64) (int64, error) {
	if !u.locked[id] {
		return 0, fmt.Errorf("%s: %w", id, store.ErrNotLocked)
	}
	acc, err := u.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	next, err := store.AddBalance(acc.Balance, delta)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", id, err)
	}
	u.deltas[id] += delta
	return next, nil
}

func (u *unit) Append(_ context.Context, tx *domain.Transaction) error {
	for _, p := range u.pending {
		if p.TransactionID == tx.TransactionID {
			return fmt.Errorf("%s: %w", tx.TransactionID, store.ErrDuplicateTransactionID)
		}
	}
	u.s.mu.RLock()
	_, dup := u.s.txIDs[tx.TransactionID]
	u.s.mu.RUnlock()
	if dup {
		return fmt.Errorf("%s: %w", tx.TransactionID, store.ErrDuplicateTransactionID)
	}

	if tx.Timestamp.IsZero() {
		tx.Timestamp = u.s.now()
	}
	// Seq is assigned at commit.
	u.pending = append(u.pending, tx)
	return nil
}
