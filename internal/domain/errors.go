package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries. Callers discriminate
// with errors.Is/errors.As, never by matching message strings.
var (
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrConcurrencyConflict = errors.New("ledger concurrency conflict")
	ErrConcurrencyCap      = errors.New("too many in-flight payouts")
	ErrRateLimited         = errors.New("provider rate limit exceeded")
	ErrNoEligibleTreasury  = errors.New("no eligible treasury")
	ErrNoEligibleProvider  = errors.New("no eligible provider")
	ErrStateConflict       = errors.New("payout state changed concurrently")
	ErrInvalidSignature    = errors.New("webhook signature verification failed")
	ErrNotFound            = errors.New("record not found")
	ErrNotCancellable      = errors.New("payout can no longer be cancelled")
	ErrAlreadyCommitted    = errors.New("reservation already committed")
)

// ValidationError rejects an intent before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
