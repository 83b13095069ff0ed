package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// State is the canonical provider-state set every adapter normalizes into.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSent       State = "sent"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateUnknown    State = "unknown"
)

// ErrorClass drives the state machine's retry decision.
type ErrorClass string

const (
	ClassRetryable          ErrorClass = "retryable"
	ClassNonRetryableUser   ErrorClass = "non_retryable_user"
	ClassNonRetryablePolicy ErrorClass = "non_retryable_policy"
	ClassUnknown            ErrorClass = "unknown"
)

// Error is the tagged failure every adapter method returns. Network errors
// are never swallowed: they come back as ClassRetryable with the cause
// attached.
type Error struct {
	Class  ErrorClass
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s (%s): %v", e.Code, e.Class, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %s", e.Code, e.Class, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func retryableErr(code string, err error) *Error {
	return &Error{Class: ClassRetryable, Code: code, Err: err}
}

// Classify extracts the error class; anything that is not a *Error counts as
// unknown (and is therefore retried).
func Classify(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnknown
}

// ErrInvalidSignature is returned by VerifyCallback when the webhook body
// fails authentication. Nothing derived from such a request may be persisted.
var ErrInvalidSignature = errors.New("invalid callback signature")

type SubmitRequest struct {
	PayoutID       string
	Currency       string
	Amount         decimal.Decimal
	Destination    string
	IdempotencyKey string
}

type SubmitResult struct {
	ExternalID string
	State      State
}

type StatusResult struct {
	State       State
	OnChainTx   string
	FinalAmount *decimal.Decimal
	FinalFee    *decimal.Decimal
}

// Callback is a verified, normalized provider notification. Destination and
// Amount are carried when the provider includes them; the reconciler uses
// them to bind events that arrive before the submit reply was recorded.
type Callback struct {
	EventID     string
	ExternalID  string
	State       State
	OnChainTx   string
	Destination string
	Amount      string
}

// Adapter is the uniform wrapper over one external payout provider. Adapters
// never touch the ledger and never log credentials.
type Adapter interface {
	ID() string
	Supports(currency string) bool
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Query(ctx context.Context, externalID string) (*StatusResult, error)
	VerifyCallback(body []byte, headers http.Header) (*Callback, error)
}
