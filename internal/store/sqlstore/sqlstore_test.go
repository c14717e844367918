package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, lockTimeout time.Duration) store.Store {
		s, err := Open(context.Background(), ":memory:", WithLockTimeout(lockTimeout))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pocketpal.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	storetest.Seed(t, s)
	err = s.Update(ctx, []string{"01710000001", "01710000002"}, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := uow.ApplyDelta(ctx, "01710000001", -40); err != nil {
			return err
		}
		if _, err := uow.ApplyDelta(ctx, "01710000002", 40); err != nil {
			return err
		}
		return uow.Append(ctx, &domain.Transaction{
			TransactionID: "TRX-01-5", SenderID: "01710000001", ReceiverID: "01710000002",
			Amount: 40, FeeSourcing: domain.SenderPaysFee,
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	bob, err := reopened.Get(ctx, "01710000002")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bob.Balance)

	size, err := reopened.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestCancelledBeforeCommitRollsBack(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	storetest.Seed(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	err = s.Update(ctx, []string{"01710000001", "01710000002"}, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := uow.ApplyDelta(ctx, "01710000002", 5); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	bob, err := s.Get(context.Background(), "01710000002")
	require.NoError(t, err)
	assert.Zero(t, bob.Balance)
}
