package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// StubAdapter is a scriptable in-process provider for development and tests.
// By default every submit is accepted and every query reports confirmed;
// queue outcomes to script failures.
type StubAdapter struct {
	Name   string
	Secret string

	mu          sync.Mutex
	currencies  map[string]bool
	submitQueue []submitOutcome
	queryQueue  map[string][]queryOutcome
	submitted   map[string]string // payout_id to external_id
	submitCalls int
	nextID      int
}

type submitOutcome struct {
	res *SubmitResult
	err error
}

type queryOutcome struct {
	res *StatusResult
	err error
}

func NewStubAdapter(name, secret string, currencies []string) *StubAdapter {
	if name == "" {
		name = "stub"
	}
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &StubAdapter{
		Name:       name,
		Secret:     secret,
		currencies: set,
		queryQueue: make(map[string][]queryOutcome),
		submitted:  make(map[string]string),
	}
}

func (a *StubAdapter) ID() string { return a.Name }

func (a *StubAdapter) Supports(currency string) bool {
	if len(a.currencies) == 0 {
		return true
	}
	return a.currencies[currency]
}

// QueueSubmit scripts the next Submit outcome.
func (a *StubAdapter) QueueSubmit(res *SubmitResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitQueue = append(a.submitQueue, submitOutcome{res: res, err: err})
}

// QueueQuery scripts the next Query outcome for externalID.
func (a *StubAdapter) QueueQuery(externalID string, res *StatusResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queryQueue[externalID] = append(a.queryQueue[externalID], queryOutcome{res: res, err: err})
}

func (a *StubAdapter) SubmitCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitCalls
}

// ExternalIDFor returns the external id assigned to a payout, if any.
func (a *StubAdapter) ExternalIDFor(payoutID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ext, ok := a.submitted[payoutID]
	return ext, ok
}

func (a *StubAdapter) Submit(_ context.Context, req SubmitRequest) (*SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls++
	// Idempotent replays return the original acceptance.
	if ext, ok := a.submitted[req.PayoutID]; ok {
		return &SubmitResult{ExternalID: ext, State: StatePending}, nil
	}
	if len(a.submitQueue) > 0 {
		next := a.submitQueue[0]
		a.submitQueue = a.submitQueue[1:]
		if next.err != nil {
			return nil, next.err
		}
		if next.res != nil {
			a.submitted[req.PayoutID] = next.res.ExternalID
			return next.res, nil
		}
	}
	a.nextID++
	ext := fmt.Sprintf("%s-ext-%d", a.Name, a.nextID)
	a.submitted[req.PayoutID] = ext
	return &SubmitResult{ExternalID: ext, State: StatePending}, nil
}

func (a *StubAdapter) Query(_ context.Context, externalID string) (*StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q := a.queryQueue[externalID]; len(q) > 0 {
		next := q[0]
		a.queryQueue[externalID] = q[1:]
		if next.err != nil {
			return nil, next.err
		}
		return next.res, nil
	}
	return &StatusResult{State: StateConfirmed, OnChainTx: "0x" + externalID}, nil
}

type stubCallback struct {
	EventID     string `json:"event_id"`
	ExternalID  string `json:"external_id"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func (a *StubAdapter) VerifyCallback(body []byte, headers http.Header) (*Callback, error) {
	sig := headers.Get("X-Stub-Signature")
	if sig == "" || !hmac.Equal([]byte(a.SignBody(body)), []byte(strings.ToLower(sig))) {
		return nil, ErrInvalidSignature
	}
	var cb stubCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, ErrInvalidSignature
	}
	return &Callback{
		EventID:     cb.EventID,
		ExternalID:  cb.ExternalID,
		State:       State(cb.Status),
		OnChainTx:   cb.TxHash,
		Destination: cb.Destination,
		Amount:      cb.Amount,
	}, nil
}

// SignBody computes the signature a webhook sender would attach. Exposed for
// tests that replay callbacks.
func (a *StubAdapter) SignBody(body []byte) string {
	mac := hmac.New(sha512.New, []byte(a.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
