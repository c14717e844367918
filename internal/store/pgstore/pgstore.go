// Package pgstore keeps accounts and the ledger in PostgreSQL.
//
// Update maps onto one database transaction: the lock set is taken with
// SELECT ... FOR UPDATE in id order under a transaction local lock_timeout,
// the callback runs inside the transaction, and COMMIT is the commit point.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const backendName = "postgres"

var tracer = otel.Tracer("pgstore")

const (
	codeUniqueViolation   = "23505"
	codeLockNotAvailable  = "55P03"
	codeDeadlockDetected  = "40P01"
	codeSerializationFail = "40001"
	codeNumericOutOfRange = "22003"

	feeCollectorIndex = "accounts_single_fee_collector"
	transactionIDKey  = "transactions_transaction_id_key"
)

// Store is a store.Store over a pgx pool.
type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
	maxConns    int32
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the lock_timeout used while taking the lock set.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithMaxConns caps the pool built by Open.
func WithMaxConns(n int32) Option {
	return func(s *Store) { s.maxConns = n }
}

// New wraps an existing pool. The caller keeps ownership of schema
// management (see Migrate).
func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		db:          db,
		lockTimeout: 2 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := New(nil, opts...)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", store.ErrStorage, err)
	}
	s.db = db
	return s, nil
}

// Pool exposes the underlying pool, e.g. for Migrate.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// classify maps driver errors onto the store taxonomy. Context errors pass
// through so callers can tell abandonment from failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFail:
			return fmt.Errorf("%w: %s", store.ErrContention, pgErr.Message)
		case codeNumericOutOfRange:
			return fmt.Errorf("%w: %s", store.ErrBalanceOverflow, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrStorage, err)
}

// commitError classifies a failed COMMIT. A server error means the
// transaction was rolled back. Otherwise the outcome is only known when pgx
// never sent the COMMIT.
func commitError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || pgconn.SafeToRetry(err) {
		return classify(err)
	}
	return fmt.Errorf("%w: %v", store.ErrCommitUncertain, err)
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, COALESCE(email, ''), name, balance, role, fee_collector, pin_hash, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	var role string
	err := row.Scan(&acc.ID, &acc.Email, &acc.Name, &acc.Balance, &role, &acc.FeeCollector, &acc.PINHash, &acc.CreatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	acc.Role = domain.Role(role)
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

func getAccount(ctx context.Context, q querier, id string) (domain.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, classify(err)
	}
	return acc, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts
		  WHERE id = $1 OR email = $1
		  ORDER BY (id = $1) DESC
		  LIMIT 1`, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%s: %w", identifier, store.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, classify(err)
	}
	return acc, nil
}

func (s *Store) FindFeeCollector(ctx context.Context) (domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE fee_collector`))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, store.ErrNoFeeCollector
	}
	if err != nil {
		return domain.Account{}, classify(err)
	}
	return acc, nil
}

func (s *Store) FindByParticipant(ctx context.Context, identifier string) ([]domain.Transaction, error) {
	id := identifier
	var resolved string
	err := s.db.QueryRow(ctx, `SELECT id FROM accounts WHERE email = $1`, identifier).Scan(&resolved)
	switch {
	case err == nil:
		id = resolved
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, classify(err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT transaction_id, seq, sender_id, receiver_id, amount, fee_charged, fee_sourcing, created_at
		   FROM transactions
		  WHERE sender_id = $1 OR receiver_id = $1
		  ORDER BY created_at, seq`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0)
	for rows.Next() {
		var tx domain.Transaction
		var sourcing string
		if err := rows.Scan(&tx.TransactionID, &tx.Seq, &tx.SenderID, &tx.ReceiverID,
			&tx.Amount, &tx.FeeCharged, &sourcing, &tx.Timestamp); err != nil {
			return nil, classify(err)
		}
		tx.FeeSourcing = domain.FeeSourcing(sourcing)
		tx.Timestamp = tx.Timestamp.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (s *Store) LedgerSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM transactions`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// MaxSequenceID scans candidate ids from the longest numeric suffix down and
// stops at the first one that parses.
func (s *Store) MaxSequenceID(ctx context.Context) (uint64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT transaction_id FROM transactions
		 WHERE length(transaction_id) <= $1
		 ORDER BY length(transaction_id) DESC, transaction_id DESC`,
		domain.MaxSequenceIDLen)
	if err != nil {
		return 0, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, classify(err)
		}
		if n, ok := domain.SequenceNumber(id); ok {
			return n, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, classify(err)
	}
	return 0, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	if err := store.ValidateNewAccount(acc); err != nil {
		return domain.Account{}, err
	}
	if acc.Role == "" {
		acc.Role = domain.RoleUser
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Account{}, classify(err)
	}
	defer tx.Rollback(ctx)

	// An id must not shadow another account's email and vice versa.
	var clash bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM accounts
		    WHERE id = $1 OR email = $1 OR (NULLIF($2, '') IS NOT NULL AND (id = $2 OR email = $2))
		 )`, acc.ID, acc.Email).Scan(&clash)
	if err != nil {
		return domain.Account{}, classify(err)
	}
	if clash {
		return domain.Account{}, fmt.Errorf("%s: %w", acc.ID, store.ErrDuplicateAccount)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, email, name, balance, role, fee_collector, pin_hash, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`,
		acc.ID, acc.Email, acc.Name, acc.Balance, string(acc.Role), acc.FeeCollector, acc.PINHash, acc.CreatedAt)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == feeCollectorIndex {
			return domain.Account{}, store.ErrFeeCollectorExists
		}
		return domain.Account{}, fmt.Errorf("%s: %w", acc.ID, store.ErrDuplicateAccount)
	}
	if err != nil {
		return domain.Account{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, classify(err)
	}
	acc.CreatedAt = acc.CreatedAt.UTC().Truncate(time.Microsecond)
	return acc, nil
}

// Update runs fn inside one database transaction holding row locks on
// lockIDs.
func (s *Store) Update(ctx context.Context, lockIDs []string, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	lockIDs = store.LockSet(lockIDs...)

	ctx, span := tracer.Start(ctx, "pgstore.update",
		trace.WithAttributes(
			attribute.String("db.system", backendName),
			attribute.StringSlice("lock_set", lockIDs),
		))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		span.RecordError(err)
		return classify(err)
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("%dms", max(s.lockTimeout.Milliseconds(), 1))
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		span.RecordError(err)
		return classify(err)
	}

	waitStart := time.Now()
	_, err = tx.Exec(ctx, `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lockIDs)
	telemetry.LockWaitDuration.WithLabelValues(backendName).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		span.RecordError(err)
		return classify(err)
	}

	u := &unit{tx: tx, locked: make(map[string]bool, len(lockIDs)), now: s.now}
	for _, id := range lockIDs {
		u.locked[id] = true
	}

	if err := fn(ctx, u); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return commitError(err)
	}
	telemetry.LedgerAppendsTotal.WithLabelValues(backendName).Add(float64(u.appended))
	return nil
}

type unit struct {
	tx       pgx.Tx
	locked   map[string]bool
	now      func() time.Time
	appended int
}

func (u *unit) Get(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, u.tx, id)
}

func (u *unit) ApplyDelta(ctx context.Context, id string, delta int64) (int64, error) {
	if !u.locked[id] {
		return 0, fmt.Errorf("%s: %w", id, store.ErrNotLocked)
	}
	var balance int64
	err := u.tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2
		  WHERE id = $1 AND balance + $2 >= 0
		  RETURNING balance`, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, classify(err)
	}

	var exists bool
	if err := u.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, classify(err)
	}
	if !exists {
		return 0, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return 0, fmt.Errorf("%s: %w", id, store.ErrNegativeBalance)
}

// Append inserts the entry. seq comes from the table's sequence; since
// conflicting units hold overlapping row locks, seq order matches commit
// order for any two entries that touch a common account.
func (u *unit) Append(ctx context.Context, tx *domain.Transaction) error {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = u.now()
	}
	err := u.tx.QueryRow(ctx,
		`INSERT INTO transactions
		   (transaction_id, sender_id, receiver_id, amount, fee_charged, fee_sourcing, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING seq, created_at`,
		tx.TransactionID, tx.SenderID, tx.ReceiverID, tx.Amount, tx.FeeCharged, string(tx.FeeSourcing), tx.Timestamp,
	).Scan(&tx.Seq, &tx.Timestamp)
	if constraint, ok := uniqueViolation(err); ok && constraint == transactionIDKey {
		return fmt.Errorf("%s: %w", tx.TransactionID, store.ErrDuplicateTransactionID)
	}
	if err != nil {
		return classify(err)
	}
	tx.Timestamp = tx.Timestamp.UTC()
	u.appended++
	return nil
}
