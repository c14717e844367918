package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EventTypeAccountOpened     = "AccountOpened"
	EventTypeTransferCompleted = "TransferCompleted"
)

// Event is the base interface for journaled and published events
type Event interface {
	GetType() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AccountOpened records an account created by the registration collaborator
type AccountOpened struct {
	Account Account `json:"account"`
	// PINHash is journaled separately because Account hides it from JSON.
	PINHash string `json:"pin_hash,omitempty"`
}

func (e AccountOpened) GetType() string { return EventTypeAccountOpened }

// TransferCompleted records a committed ledger entry
type TransferCompleted struct {
	Transaction Transaction `json:"transaction"`
	// FeeCollectorID is the account credited with Transaction.FeeCharged.
	FeeCollectorID string `json:"fee_collector_id"`
}

func (e TransferCompleted) GetType() string { return EventTypeTransferCompleted }

// Deltas returns the balance change per account implied by the transfer.
func (e TransferCompleted) Deltas() map[string]int64 {
	tx := e.Transaction
	deltas := make(map[string]int64, 3)
	switch tx.FeeSourcing {
	case ReceiverPaysFee:
		deltas[tx.SenderID] -= tx.Amount
		deltas[tx.ReceiverID] += tx.Amount - tx.FeeCharged
	default:
		deltas[tx.SenderID] -= tx.Amount + tx.FeeCharged
		deltas[tx.ReceiverID] += tx.Amount
	}
	if tx.FeeCharged > 0 {
		deltas[e.FeeCollectorID] += tx.FeeCharged
	}
	return deltas
}

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	switch envelope.Type {
	case EventTypeAccountOpened:
		var e AccountOpened
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		e.Account.PINHash = e.PINHash
		event = e
	case EventTypeTransferCompleted:
		var e TransferCompleted
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}

	return event, nil
}
