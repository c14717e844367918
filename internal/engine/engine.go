// Package engine moves funds between accounts.
//
// A transfer is validated, priced by the fee policy, and then executed as a
// single store unit of work over the sorted set of accounts whose balances
// change. Transient failures (lock contention, storage hiccups, transaction
// id collisions) are retried with exponential backoff; validation failures
// never are.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/events"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"github.com/nathanyu/pocket-pal/internal/txid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts     = 5
	DefaultRetryMaxElapsed = 2 * time.Second
	defaultInitialBackoff  = 5 * time.Millisecond
)

// Engine executes transfers against a store.
type Engine struct {
	store     store.Store
	ids       txid.Generator
	fees      FeePolicy
	sourcing  domain.FeeSourcing
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	maxAttempts     int
	retryMaxElapsed time.Duration
	initialBackoff  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithFeePolicy(p FeePolicy) Option {
	return func(e *Engine) { e.fees = p }
}

func WithFeeSourcing(s domain.FeeSourcing) Option {
	return func(e *Engine) {
		if s.Valid() {
			e.sourcing = s
		}
	}
}

func WithIDGenerator(g txid.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry bounds retries of transient failures. maxAttempts counts the
// first try; values below 1 are ignored.
func WithRetry(maxAttempts int, maxElapsed time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts >= 1 {
			e.maxAttempts = maxAttempts
		}
		if maxElapsed > 0 {
			e.retryMaxElapsed = maxElapsed
		}
	}
}

// New creates an engine over s. Without options it charges DefaultFeePolicy
// to the sender and draws random transaction ids.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		ids:             txid.NewRandom(),
		fees:            DefaultFeePolicy,
		sourcing:        domain.SenderPaysFee,
		publisher:       events.Noop{},
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		maxAttempts:     DefaultMaxAttempts,
		retryMaxElapsed: DefaultRetryMaxElapsed,
		initialBackoff:  defaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// plan is a validated transfer ready to be executed.
type plan struct {
	req         domain.TransferRequest
	collectorID string
	fee         int64
	debit       int64
	credit      int64
	lockIDs     []string
}

// Transfer moves req.Amount from sender to receiver and charges the fee.
// Failures are *domain.TransferError values.
func (e *Engine) Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	start := time.Now()

	ctx, span := telemetry.Tracer.Start(ctx, "engine.Transfer",
		trace.WithAttributes(
			attribute.String("sender_id", req.SenderID),
			attribute.String("receiver_id", req.ReceiverID),
			attribute.Int64("amount", req.Amount),
		),
	)
	defer span.End()

	tx, err := e.transfer(ctx, req)

	outcome := "completed"
	if err != nil {
		outcome = string(domain.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.WarnContext(ctx, "transfer rejected",
			slog.String("sender_id", req.SenderID),
			slog.String("receiver_id", req.ReceiverID),
			slog.Int64("amount", req.Amount),
			slog.String("kind", outcome),
			slog.String("error", err.Error()),
		)
	} else {
		span.SetAttributes(
			attribute.String("transaction_id", tx.TransactionID),
			attribute.Int64("fee_charged", tx.FeeCharged),
		)
		span.SetStatus(codes.Ok, "")
		telemetry.FeesCollectedTotal.Add(float64(tx.FeeCharged))
		e.logger.InfoContext(ctx, "transfer completed",
			slog.String("transaction_id", tx.TransactionID),
			slog.Int64("seq", tx.Seq),
			slog.Int64("amount", tx.Amount),
			slog.Int64("fee_charged", tx.FeeCharged),
		)
	}

	telemetry.TransfersTotal.WithLabelValues(outcome).Inc()
	telemetry.TransferAmount.WithLabelValues(outcome).Observe(float64(req.Amount))
	telemetry.TransferProcessingDuration.Observe(time.Since(start).Seconds())
	return tx, err
}

func (e *Engine) transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	p, err := e.validate(ctx, req)
	if err != nil {
		return domain.Transaction{}, err
	}

	var committed domain.Transaction
	op := func() error {
		tx, err := e.execute(ctx, p)
		if err == nil {
			committed = tx
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.initialBackoff),
		backoff.WithMaxElapsedTime(e.retryMaxElapsed),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		reason := retryReason(err)
		telemetry.TransferRetriesTotal.WithLabelValues(reason).Inc()
		e.logger.DebugContext(ctx, "retrying transfer",
			slog.String("reason", reason),
			slog.Duration("wait", wait),
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return domain.Transaction{}, classify(err)
	}

	ev := domain.TransferCompleted{Transaction: committed, FeeCollectorID: p.collectorID}
	if err := e.publisher.PublishTransferCompleted(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish transfer event",
			slog.String("transaction_id", committed.TransactionID),
			slog.String("error", err.Error()),
		)
	}
	return committed, nil
}

// validate checks the preconditions that can be decided before locking, in
// the order callers observe them.
func (e *Engine) validate(ctx context.Context, req domain.TransferRequest) (plan, error) {
	if req.Amount <= 0 {
		return plan{}, domain.NewError(domain.KindInvalidAmount, fmt.Errorf("amount must be positive, got %d", req.Amount))
	}
	if req.SenderID == req.ReceiverID {
		return plan{}, domain.NewError(domain.KindSelfTransfer, fmt.Errorf("sender and receiver are both %s", req.SenderID))
	}

	collector, err := e.store.FindFeeCollector(ctx)
	if err != nil {
		return plan{}, classify(err)
	}

	fee := e.fees.Fee(req.Amount)
	debit, credit, err := split(e.sourcing, req.Amount, fee)
	if err != nil {
		return plan{}, domain.NewError(domain.KindInvalidAmount, err)
	}

	sender, err := e.store.Get(ctx, req.SenderID)
	if err != nil {
		return plan{}, notFoundAs(err, domain.KindSenderNotFound)
	}
	if _, err := e.store.Get(ctx, req.ReceiverID); err != nil {
		return plan{}, notFoundAs(err, domain.KindReceiverNotFound)
	}
	if sender.Balance < debit {
		return plan{}, insufficient(sender.Balance, debit)
	}

	lockIDs := []string{req.SenderID, req.ReceiverID}
	if fee > 0 {
		lockIDs = append(lockIDs, collector.ID)
	}

	return plan{
		req:         req,
		collectorID: collector.ID,
		fee:         fee,
		debit:       debit,
		credit:      credit,
		lockIDs:     store.LockSet(lockIDs...),
	}, nil
}

// execute runs one attempt as a unit of work. Preconditions that depend on
// balances are re-checked under the locks.
func (e *Engine) execute(ctx context.Context, p plan) (domain.Transaction, error) {
	tx := &domain.Transaction{
		SenderID:    p.req.SenderID,
		ReceiverID:  p.req.ReceiverID,
		Amount:      p.req.Amount,
		FeeCharged:  p.fee,
		FeeSourcing: e.sourcing,
	}

	err := e.store.Update(ctx, p.lockIDs, func(ctx context.Context, uow store.UnitOfWork) error {
		sender, err := uow.Get(ctx, p.req.SenderID)
		if err != nil {
			return notFoundAs(err, domain.KindSenderNotFound)
		}
		if _, err := uow.Get(ctx, p.req.ReceiverID); err != nil {
			return notFoundAs(err, domain.KindReceiverNotFound)
		}
		if sender.Balance < p.debit {
			return insufficient(sender.Balance, p.debit)
		}

		if _, err := uow.ApplyDelta(ctx, p.req.SenderID, -p.debit); err != nil {
			return deltaError(err, domain.KindSenderNotFound)
		}
		if _, err := uow.ApplyDelta(ctx, p.req.ReceiverID, p.credit); err != nil {
			return deltaError(err, domain.KindReceiverNotFound)
		}
		if p.fee > 0 {
			if _, err := uow.ApplyDelta(ctx, p.collectorID, p.fee); err != nil {
				return deltaError(err, domain.KindNoFeeCollector)
			}
		}

		tx.TransactionID = e.ids.Next()
		tx.Timestamp = e.now()
		return uow.Append(ctx, tx)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func insufficient(balance, debit int64) error {
	return domain.NewError(domain.KindInsufficientFunds, fmt.Errorf("balance %d does not cover %d", balance, debit))
}

func notFoundAs(err error, kind domain.ErrorKind) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewError(kind, err)
	}
	return err
}

func deltaError(err error, notFound domain.ErrorKind) error {
	switch {
	case errors.Is(err, store.ErrNegativeBalance):
		return domain.NewError(domain.KindInsufficientFunds, err)
	case errors.Is(err, store.ErrBalanceOverflow):
		return domain.NewError(domain.KindInvalidAmount, err)
	}
	return notFoundAs(err, notFound)
}

func retryable(err error) bool {
	return errors.Is(err, store.ErrContention) ||
		errors.Is(err, store.ErrStorage) ||
		errors.Is(err, store.ErrDuplicateTransactionID)
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, store.ErrContention):
		return "contention"
	case errors.Is(err, store.ErrDuplicateTransactionID):
		return "duplicate_id"
	default:
		return "storage"
	}
}

// classify maps whatever the store or the retry loop returned onto the
// transfer error taxonomy.
func classify(err error) error {
	var te *domain.TransferError
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, store.ErrNoFeeCollector):
		return domain.NewError(domain.KindNoFeeCollector, err)
	case errors.Is(err, store.ErrCommitUncertain):
		return domain.NewError(domain.KindStorageFailure, err)
	case errors.Is(err, store.ErrContention),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return domain.NewError(domain.KindContention, err)
	default:
		return domain.NewError(domain.KindStorageFailure, err)
	}
}
