package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nathanyu/pocket-pal/internal/auth"
	"github.com/nathanyu/pocket-pal/internal/config"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/engine"
	"github.com/nathanyu/pocket-pal/internal/events"
	"github.com/nathanyu/pocket-pal/internal/idempotency"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/store/memstore"
	"github.com/nathanyu/pocket-pal/internal/store/pgstore"
	"github.com/nathanyu/pocket-pal/internal/store/sqlstore"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"github.com/nathanyu/pocket-pal/internal/txid"
	"github.com/redis/go-redis/v9"
)

// app holds everything serve needs, plus the cleanups to run on exit in
// reverse order.
type app struct {
	store    store.Store
	service  *engine.Service
	auth     *auth.Authenticator
	ids      txid.Generator
	closers  []func()
	settings config.Config
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openStore(ctx context.Context, c config.Store) (store.Store, error) {
	switch c.Driver {
	case "memory":
		if c.JournalPath == "" {
			return memstore.New(memstore.WithLockTimeout(c.LockTimeout)), nil
		}
		return memstore.Open(c.JournalPath, memstore.WithLockTimeout(c.LockTimeout))
	case "postgres":
		s, err := pgstore.Open(ctx, c.DSN, pgstore.WithLockTimeout(c.LockTimeout), pgstore.WithMaxConns(c.MaxConns))
		if err != nil {
			return nil, err
		}
		if err := pgstore.Migrate(ctx, s.Pool()); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		return sqlstore.Open(ctx, c.DSN, sqlstore.WithLockTimeout(c.LockTimeout))
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// seedAccounts creates the accounts in path. Accounts that already exist
// are left alone so restarts are harmless.
func seedAccounts(ctx context.Context, s store.Store, path string) (int, error) {
	accounts, err := config.LoadSeed(path, auth.HashPIN)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, acc := range accounts {
		_, err := s.CreateAccount(ctx, acc)
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrDuplicateAccount):
		default:
			return created, fmt.Errorf("seed %s: %w", acc.ID, err)
		}
	}
	return created, nil
}

func newIDGenerator(ctx context.Context, strategy string, s store.Reader) (txid.Generator, error) {
	var start uint64
	if strategy == "sequence" {
		// Ids burned by failed attempts leave gaps, so the ledger size can
		// trail the last id handed out.
		n, err := s.MaxSequenceID(ctx)
		if err != nil {
			return nil, err
		}
		start = n
	}
	return txid.New(strategy, start)
}

func newGuard(ctx context.Context, c config.Config) (*idempotency.Guard, func(), error) {
	if c.Redis.Addr == "" {
		return idempotency.NewGuard(idempotency.NewMemoryCache(), c.Idempotency.TTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", c.Redis.Addr, err)
	}
	return idempotency.NewGuard(idempotency.NewRedisCache(client), c.Idempotency.TTL), func() { client.Close() }, nil
}

func newPublisher(url string) (events.Publisher, error) {
	if url == "" {
		return events.Noop{}, nil
	}
	return events.NewNATSPublisher(url)
}

// buildApp wires the store, engine and collaborators described by c.
func buildApp(ctx context.Context, c config.Config) (_ *app, err error) {
	a := &app{settings: c}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telemetry.Logger.Info("opening store", slog.String("driver", c.Store.Driver))
	s, err := openStore(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, func() { s.Close() })

	if c.Store.SeedPath != "" {
		n, err := seedAccounts(ctx, s, c.Store.SeedPath)
		if err != nil {
			return nil, err
		}
		telemetry.Logger.Info("seeded accounts", slog.Int("created", n))
	}

	ids, err := newIDGenerator(ctx, c.TxID.Strategy, s)
	if err != nil {
		return nil, err
	}
	a.ids = ids

	guard, closeGuard, err := newGuard(ctx, c)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeGuard)

	publisher, err := newPublisher(c.NATS.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)

	e := engine.New(s,
		engine.WithFeePolicy(engine.ThresholdFee{Threshold: c.Fee.Threshold, Flat: c.Fee.Flat}),
		engine.WithFeeSourcing(domain.FeeSourcing(c.Fee.Sourcing)),
		engine.WithIDGenerator(ids),
		engine.WithPublisher(publisher),
		engine.WithLogger(telemetry.Logger),
		engine.WithRetry(c.Transfer.MaxAttempts, c.Transfer.RetryMaxElapsed),
	)
	a.service = engine.NewService(e, s, guard)

	secret := c.Auth.JWTSecret
	if secret == "" {
		return nil, errors.New("auth.jwt_secret is required (set POCKETPAL_AUTH_JWT_SECRET)")
	}
	a.auth, err = auth.NewAuthenticator(s, secret, c.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	return a, nil
}
