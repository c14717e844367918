package domain

import (
	"strconv"
	"strings"
	"time"
)

// TransactionIDPrefix is the externally visible prefix of every transaction id
const TransactionIDPrefix = "TRX-01-"

// MaxSequenceIDLen bounds the length of an id whose suffix can fit a uint64.
const MaxSequenceIDLen = len(TransactionIDPrefix) + 20

// SequenceNumber returns the numeric suffix of id when it fits a uint64.
// Random ids are far larger and report false.
func SequenceNumber(id string) (uint64, bool) {
	suffix, ok := strings.CutPrefix(id, TransactionIDPrefix)
	if !ok || suffix == "" || suffix[0] == '+' {
		return 0, false
	}
	n, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TransferRequest is a request to move funds between two accounts
type TransferRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Amount     int64  `json:"amount"` // minor units, avoids floating point issues
}

// FeeSourcing says which side of a transfer pays the platform fee
type FeeSourcing string

const (
	// SenderPaysFee debits amount+fee from the sender.
	SenderPaysFee FeeSourcing = "sender"
	// ReceiverPaysFee credits amount-fee to the receiver.
	ReceiverPaysFee FeeSourcing = "receiver"
)

// Valid reports whether s is a known sourcing policy.
func (s FeeSourcing) Valid() bool {
	return s == SenderPaysFee || s == ReceiverPaysFee
}

// Transaction is an immutable ledger entry for a completed transfer
type Transaction struct {
	TransactionID string      `json:"transaction_id"`
	Seq           int64       `json:"seq"`
	SenderID      string      `json:"sender_id"`
	ReceiverID    string      `json:"receiver_id"`
	Amount        int64       `json:"amount"`
	FeeCharged    int64       `json:"fee_charged"`
	FeeSourcing   FeeSourcing `json:"fee_sourcing"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Involves reports whether accountID sent or received the transaction.
func (t Transaction) Involves(accountID string) bool {
	return t.SenderID == accountID || t.ReceiverID == accountID
}
