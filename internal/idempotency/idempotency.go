// Package idempotency lets clients retry a transfer without paying twice.
//
// A key is first reserved in a shared cache together with the hash of the
// request it protects. The winner runs the transfer and stores the result;
// later requests with the same key and hash get that result back, while a
// different hash is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
)

// DefaultTTL is how long completed results are remembered.
const DefaultTTL = 24 * time.Hour

// Record states.
const (
	StatePending = "pending"
	StateDone    = "done"
)

// Record is what the cache stores under a key.
type Record struct {
	State       string              `json:"state"`
	RequestHash string              `json:"request_hash"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// Cache is the shared reservation store.
type Cache interface {
	// Reserve stores rec under key unless the key exists. It returns the
	// existing record and false when the key was already taken.
	Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (existing Record, reserved bool, err error)
	// Complete overwrites key with the finished record.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

// Guard runs functions at most once per key.
type Guard struct {
	cache Cache
	ttl   time.Duration
}

// NewGuard creates a guard. A zero ttl means DefaultTTL.
func NewGuard(cache Cache, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{cache: cache, ttl: ttl}
}

// RequestHash is the hex SHA-256 of the RFC 8785 canonical JSON of req.
func RequestHash(req any) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// Do runs fn once for key. An empty key runs fn unguarded. replayed is true
// when the result came from an earlier call.
func (g *Guard) Do(ctx context.Context, key string, req any, fn func(ctx context.Context) (domain.Transaction, error)) (tx domain.Transaction, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		tx, err = fn(ctx)
		return tx, false, err
	}

	hash, err := RequestHash(req)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("hash request: %w", err)
	}

	existing, reserved, err := g.cache.Reserve(ctx, key, Record{State: StatePending, RequestHash: hash}, g.ttl)
	if err != nil {
		return domain.Transaction{}, false, domain.NewError(domain.KindStorageFailure, fmt.Errorf("reserve idempotency key: %w", err))
	}
	if !reserved {
		return replay(existing, hash)
	}

	tx, err = fn(ctx)
	if errors.Is(err, store.ErrCommitUncertain) {
		// The transfer may have landed. The key stays pending until its TTL
		// so a retry with it cannot apply the transfer a second time.
		telemetry.Logger.ErrorContext(ctx, "transfer outcome unknown, keeping idempotency key reserved",
			slog.String("key", key), slog.String("error", err.Error()))
		return domain.Transaction{}, false, err
	}
	if err != nil {
		// Detached so a cancelled request still frees its key.
		if relErr := g.cache.Release(context.WithoutCancel(ctx), key); relErr != nil {
			telemetry.Logger.ErrorContext(ctx, "failed to release idempotency key",
				slog.String("key", key), slog.String("error", relErr.Error()))
		}
		return domain.Transaction{}, false, err
	}

	done := Record{State: StateDone, RequestHash: hash, Transaction: &tx}
	if err := g.cache.Complete(context.WithoutCancel(ctx), key, done, g.ttl); err != nil {
		// The transfer is committed; only replay of this key is affected.
		telemetry.Logger.ErrorContext(ctx, "failed to store idempotent result",
			slog.String("key", key), slog.String("transaction_id", tx.TransactionID), slog.String("error", err.Error()))
	}
	return tx, false, nil
}

func replay(existing Record, hash string) (domain.Transaction, bool, error) {
	if existing.RequestHash != hash {
		return domain.Transaction{}, false, domain.NewError(domain.KindIdempotencyConflict,
			errors.New("idempotency key was used with a different request"))
	}
	if existing.State != StateDone || existing.Transaction == nil {
		return domain.Transaction{}, false, domain.NewError(domain.KindIdempotencyInFlight,
			errors.New("a request with this idempotency key is still in progress"))
	}
	telemetry.IdempotentReplaysTotal.Inc()
	return *existing.Transaction, true, nil
}
