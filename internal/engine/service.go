package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/idempotency"
	"github.com/nathanyu/pocket-pal/internal/store"
)

// Service is the inbound boundary used by the HTTP layer: it applies the
// "only the sender may initiate" policy and idempotency before handing
// requests to the Engine.
type Service struct {
	engine *Engine
	reader store.Reader
	guard  *idempotency.Guard
}

// NewService wires a service. guard may be nil, in which case idempotency
// keys are ignored.
func NewService(e *Engine, r store.Reader, guard *idempotency.Guard) *Service {
	return &Service{engine: e, reader: r, guard: guard}
}

// Transfer executes a transfer on behalf of caller. replayed reports a
// result served from an earlier request with the same idempotency key.
func (s *Service) Transfer(ctx context.Context, caller, senderID, receiverID string, amount int64, idempotencyKey string) (tx domain.Transaction, replayed bool, err error) {
	if caller == "" || caller != senderID {
		return domain.Transaction{}, false, domain.NewError(domain.KindForbidden,
			fmt.Errorf("caller %q may not send from %q", caller, senderID))
	}

	req := domain.TransferRequest{SenderID: senderID, ReceiverID: receiverID, Amount: amount}
	run := func(ctx context.Context) (domain.Transaction, error) {
		return s.engine.Transfer(ctx, req)
	}
	if s.guard == nil || idempotencyKey == "" {
		tx, err := run(ctx)
		return tx, false, err
	}
	// Keys are scoped per caller so two users cannot collide.
	return s.guard.Do(ctx, caller+":"+idempotencyKey, req, run)
}

// Account resolves an id or email to its account.
func (s *Service) Account(ctx context.Context, identifier string) (domain.Account, error) {
	acc, err := s.reader.FindByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, domain.NewError(domain.KindStorageFailure, err)
	}
	return acc, err
}

// ListTransactions returns the ledger entries an account took part in,
// oldest first.
func (s *Service) ListTransactions(ctx context.Context, identifier string) ([]domain.Transaction, error) {
	txs, err := s.reader.FindByParticipant(ctx, identifier)
	if err != nil {
		return nil, domain.NewError(domain.KindStorageFailure, err)
	}
	return txs, nil
}
