// Package sqlstore keeps accounts and the ledger in SQLite through bun.
//
// SQLite allows one writer at a time, so Update serializes on a process
// level writer lock whose wait is bounded like the account locks of the
// other backends.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const (
	backendName = "sqlite"
	writerKey   = "sqlite-writer"
)

var tracer = otel.Tracer("sqlstore")

// Store is a store.Store over a bun-wrapped SQLite database.
type Store struct {
	db          *bun.DB
	writer      *store.LockTable
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long Update waits for the writer lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open opens (creating if needed) the database at dsn and ensures the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single writer model.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{
		db:          bun.NewDB(sqlDB, sqlitedialect.New()),
		writer:      store.NewLockTable(),
		lockTimeout: 2 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("%w: ping: %v", store.ErrStorage, err)
	}
	if err := Migrate(ctx, s.db); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", store.ErrStorage, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrStorage, err)
}

func getAccount(ctx context.Context, db bun.IDB, id string) (domain.Account, error) {
	var m accountModel
	err := db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, storageErr(err)
	}
	return m.toDomain(), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (domain.Account, error) {
	var m accountModel
	err := s.db.NewSelect().Model(&m).
		Where("id = ? OR email = ?", identifier, identifier).
		OrderExpr("id = ? DESC", identifier).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%s: %w", identifier, store.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, storageErr(err)
	}
	return m.toDomain(), nil
}

func (s *Store) FindFeeCollector(ctx context.Context) (domain.Account, error) {
	var m accountModel
	err := s.db.NewSelect().Model(&m).Where("fee_collector = ?", true).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, store.ErrNoFeeCollector
	}
	if err != nil {
		return domain.Account{}, storageErr(err)
	}
	return m.toDomain(), nil
}

func (s *Store) FindByParticipant(ctx context.Context, identifier string) ([]domain.Transaction, error) {
	id := identifier
	var owner accountModel
	err := s.db.NewSelect().Model(&owner).Column("id").Where("email = ?", identifier).Limit(1).Scan(ctx)
	switch {
	case err == nil:
		id = owner.ID
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storageErr(err)
	}

	var rows []transactionModel
	err = s.db.NewSelect().Model(&rows).
		Where("sender_id = ? OR receiver_id = ?", id, id).
		Order("seq").
		Scan(ctx)
	if err != nil {
		return nil, storageErr(err)
	}

	result := make([]domain.Transaction, 0, len(rows))
	for _, m := range rows {
		result = append(result, m.toDomain())
	}
	store.SortTransactions(result)
	return result, nil
}

func (s *Store) LedgerSize(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().Model((*transactionModel)(nil)).Count(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	return int64(n), nil
}

func (s *Store) MaxSequenceID(ctx context.Context) (uint64, error) {
	rows, err := s.db.NewSelect().Model((*transactionModel)(nil)).
		Column("transaction_id").
		Where("length(transaction_id) <= ?", domain.MaxSequenceIDLen).
		OrderExpr("length(transaction_id) DESC, transaction_id DESC").
		Rows(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, storageErr(err)
		}
		if n, ok := domain.SequenceNumber(id); ok {
			return n, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, storageErr(err)
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

	release, err := s.writer.Acquire(ctx, []string{writerKey}, s.lockTimeout)
	if err != nil {
		return domain.Account{}, err
	}
	defer release()

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		keys := []string{acc.ID}
		if acc.Email != "" {
			keys = append(keys, acc.Email)
		}
		clash, err := tx.NewSelect().Model((*accountModel)(nil)).
			Where("id IN (?) OR email IN (?)", bun.In(keys), bun.In(keys)).
			Exists(ctx)
		if err != nil {
			return storageErr(err)
		}
		if clash {
			return fmt.Errorf("%s: %w", acc.ID, store.ErrDuplicateAccount)
		}

		if acc.FeeCollector {
			taken, err := tx.NewSelect().Model((*accountModel)(nil)).Where("fee_collector = ?", true).Exists(ctx)
			if err != nil {
				return storageErr(err)
			}
			if taken {
				return store.ErrFeeCollectorExists
			}
		}

		m := toAccountModel(acc)
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// Update runs fn inside one SQLite transaction while holding the writer
// lock.
func (s *Store) Update(ctx context.Context, lockIDs []string, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	lockIDs = store.LockSet(lockIDs...)

	ctx, span := tracer.Start(ctx, "sqlstore.update",
		trace.WithAttributes(
			attribute.String("db.system", backendName),
			attribute.StringSlice("lock_set", lockIDs),
		))
	defer span.End()

	waitStart := time.Now()
	release, err := s.writer.Acquire(ctx, []string{writerKey}, s.lockTimeout)
	telemetry.LockWaitDuration.WithLabelValues(backendName).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer release()

	u := &unit{locked: make(map[string]bool, len(lockIDs)), now: s.now}
	for _, id := range lockIDs {
		u.locked[id] = true
	}

	var fnErr error
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		u.tx = tx
		fnErr = fn(ctx, u)
		if fnErr != nil {
			return fnErr
		}
		// Nothing is committed yet, so a cancelled caller can still walk away.
		return ctx.Err()
	})
	switch {
	case err == nil:
	case fnErr != nil:
		return fnErr
	default:
		span.RecordError(err)
		return storageErr(err)
	}

	telemetry.LedgerAppendsTotal.WithLabelValues(backendName).Add(float64(u.appended))
	return nil
}

type unit struct {
	tx       bun.Tx
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
	acc, err := u.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	next, err := store.AddBalance(acc.Balance, delta)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", id, err)
	}
	_, err = u.tx.NewUpdate().Model((*accountModel)(nil)).
		Set("balance = ?", next).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	return next, nil
}

// Append assigns the next seq itself; the writer lock makes MAX(seq)+1 safe.
func (u *unit) Append(ctx context.Context, tx *domain.Transaction) error {
	exists, err := u.tx.NewSelect().Model((*transactionModel)(nil)).
		Where("transaction_id = ?", tx.TransactionID).
		Exists(ctx)
	if err != nil {
		return storageErr(err)
	}
	if exists {
		return fmt.Errorf("%s: %w", tx.TransactionID, store.ErrDuplicateTransactionID)
	}

	var last sql.NullInt64
	if err := u.tx.NewSelect().Model((*transactionModel)(nil)).ColumnExpr("MAX(seq)").Scan(ctx, &last); err != nil {
		return storageErr(err)
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = u.now()
	}

	m := transactionModel{
		Seq:           last.Int64 + 1,
		TransactionID: tx.TransactionID,
		SenderID:      tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Amount:        tx.Amount,
		FeeCharged:    tx.FeeCharged,
		FeeSourcing:   string(tx.FeeSourcing),
		CreatedAt:     tx.Timestamp.UTC(),
	}
	if _, err := u.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return storageErr(err)
	}
	tx.Seq = m.Seq
	u.appended++
	return nil
}
