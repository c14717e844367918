package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferCompleted_Deltas(t *testing.T) {
	tests := []struct {
		name     string
		event    TransferCompleted
		expected map[string]int64
	}{
		{
			name: "sender pays fee",
			event: TransferCompleted{
				Transaction:    Transaction{SenderID: "a", ReceiverID: "b", Amount: 200, FeeCharged: 5, FeeSourcing: SenderPaysFee},
				FeeCollectorID: "admin",
			},
			expected: map[string]int64{"a": -205, "b": 200, "admin": 5},
		},
		{
			name: "receiver pays fee",
			event: TransferCompleted{
				Transaction:    Transaction{SenderID: "a", ReceiverID: "b", Amount: 200, FeeCharged: 5, FeeSourcing: ReceiverPaysFee},
				FeeCollectorID: "admin",
			},
			expected: map[string]int64{"a": -200, "b": 195, "admin": 5},
		},
		{
			name: "no fee leaves collector out",
			event: TransferCompleted{
				Transaction:    Transaction{SenderID: "a", ReceiverID: "b", Amount: 50, FeeSourcing: SenderPaysFee},
				FeeCollectorID: "admin",
			},
			expected: map[string]int64{"a": -50, "b": 50},
		},
		{
			name: "collector is receiver",
			event: TransferCompleted{
				Transaction:    Transaction{SenderID: "a", ReceiverID: "admin", Amount: 100, FeeCharged: 5, FeeSourcing: SenderPaysFee},
				FeeCollectorID: "admin",
			},
			expected: map[string]int64{"a": -105, "admin": 105},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deltas := tc.event.Deltas()
			assert.Equal(t, tc.expected, deltas)

			var sum int64
			for _, d := range deltas {
				sum += d
			}
			assert.Zero(t, sum, "transfer must conserve money")
		})
	}
}

func TestSerializeEvent_RoundTripKeepsPINHash(t *testing.T) {
	opened := AccountOpened{
		Account: Account{ID: "01700000000", Email: "a@example.com", Balance: 10, Role: RoleUser, CreatedAt: time.Unix(0, 0).UTC()},
		PINHash: "$2a$10$hash",
	}

	data, err := SerializeEvent(opened)
	require.NoError(t, err)

	event, err := DeserializeEvent(data)
	require.NoError(t, err)

	got, ok := event.(AccountOpened)
	require.True(t, ok)
	assert.Equal(t, "$2a$10$hash", got.Account.PINHash)
	assert.Equal(t, "01700000000", got.Account.ID)
}

func TestDeserializeEvent_UnknownType(t *testing.T) {
	_, err := DeserializeEvent([]byte(`{"type":"Nope","data":{}}`))
	assert.Error(t, err)
}

func TestTransferError_Is(t *testing.T) {
	err := NewError(KindInsufficientFunds, assert.AnError)

	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrContention)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.False(t, KindInsufficientFunds.Retryable())
	assert.True(t, KindContention.Retryable())
}
