package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() domain.TransferCompleted {
	return domain.TransferCompleted{
		Transaction: domain.Transaction{
			TransactionID: "TRX-01-77",
			Seq:           3,
			SenderID:      "01710000001",
			ReceiverID:    "01710000002",
			Amount:        200,
			FeeCharged:    5,
			FeeSourcing:   domain.SenderPaysFee,
			Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		FeeCollectorID: "01710000000",
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.PublishTransferCompleted(context.Background(), sampleEvent()))
	assert.Len(t, r.Events(), 1)

	r.FailWith(errors.New("down"))
	assert.Error(t, r.PublishTransferCompleted(context.Background(), sampleEvent()))
	assert.Len(t, r.Events(), 1)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishTransferCompleted(context.Background(), sampleEvent()))
	p.Close()
}

// TestNATSPublisher needs a reachable server.
func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("POCKETPAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("POCKETPAL_TEST_NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe(SubjectTransferCompleted, msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.PublishTransferCompleted(context.Background(), sampleEvent()))

	select {
	case msg := <-msgs:
		assert.Equal(t, "TRX-01-77", msg.Header.Get("Nats-Msg-Id"))
		ev, err := domain.DeserializeEvent(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, sampleEvent(), ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
