package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine readable category of a transfer failure
type ErrorKind string

const (
	KindInvalidAmount       ErrorKind = "InvalidAmount"
	KindSelfTransfer        ErrorKind = "SelfTransferNotAllowed"
	KindSenderNotFound      ErrorKind = "SenderNotFound"
	KindReceiverNotFound    ErrorKind = "ReceiverNotFound"
	KindInsufficientFunds   ErrorKind = "InsufficientFunds"
	KindNoFeeCollector      ErrorKind = "NoFeeCollectorConfigured"
	KindContention          ErrorKind = "Contention"
	KindStorageFailure      ErrorKind = "StorageFailure"
	KindIdempotencyConflict ErrorKind = "IdempotencyConflict"
	KindIdempotencyInFlight ErrorKind = "IdempotencyInFlight"
	KindForbidden           ErrorKind = "Forbidden"
)

// Retryable reports whether a caller may retry the same request later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindContention, KindStorageFailure, KindIdempotencyInFlight:
		return true
	}
	return false
}

// TransferError carries a Kind plus the underlying cause
type TransferError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches any *TransferError with the same Kind, so the sentinels below
// work with errors.Is regardless of the wrapped cause.
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a TransferError of the given kind wrapping cause.
func NewError(kind ErrorKind, cause error) *TransferError {
	return &TransferError{Kind: kind, Err: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidAmount       = &TransferError{Kind: KindInvalidAmount}
	ErrSelfTransfer        = &TransferError{Kind: KindSelfTransfer}
	ErrSenderNotFound      = &TransferError{Kind: KindSenderNotFound}
	ErrReceiverNotFound    = &TransferError{Kind: KindReceiverNotFound}
	ErrInsufficientFunds   = &TransferError{Kind: KindInsufficientFunds}
	ErrNoFeeCollector      = &TransferError{Kind: KindNoFeeCollector}
	ErrContention          = &TransferError{Kind: KindContention}
	ErrStorageFailure      = &TransferError{Kind: KindStorageFailure}
	ErrIdempotencyConflict = &TransferError{Kind: KindIdempotencyConflict}
	ErrIdempotencyInFlight = &TransferError{Kind: KindIdempotencyInFlight}
	ErrForbidden           = &TransferError{Kind: KindForbidden}
)

// KindOf extracts the ErrorKind from err, or "" if err is not a TransferError.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
