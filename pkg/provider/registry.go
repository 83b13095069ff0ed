package provider

import (
	"context"
	"log"
	"sort"

	"golang.org/x/time/rate"
)

// Entry wraps an adapter with its resilience policy: token bucket and
// circuit breaker.
type Entry struct {
	Adapter Adapter
	Limiter *rate.Limiter
	Breaker *Breaker
}

// AllowRequest consumes a token from the provider's bucket.
func (e *Entry) AllowRequest() bool {
	return e.Limiter.Allow()
}

// Submit runs the adapter call behind the breaker. A refused call surfaces
// as retryable so the state machine backs off instead of failing the payout.
func (e *Entry) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !e.Breaker.Allow() {
		return nil, &Error{Class: ClassRetryable, Code: "breaker_open", Detail: "circuit breaker open"}
	}
	res, err := e.Adapter.Submit(ctx, req)
	e.record(err)
	return res, err
}

func (e *Entry) Query(ctx context.Context, externalID string) (*StatusResult, error) {
	if !e.Breaker.Allow() {
		return nil, &Error{Class: ClassRetryable, Code: "breaker_open", Detail: "circuit breaker open"}
	}
	res, err := e.Adapter.Query(ctx, externalID)
	e.record(err)
	return res, err
}

func (e *Entry) record(err error) {
	if err == nil {
		e.Breaker.Success()
		return
	}
	// Only transport-level trouble trips the breaker; a provider saying
	// "bad address" is a healthy provider.
	if Classify(err) == ClassRetryable {
		if e.Breaker.Failure() {
			log.Printf("[ALERT] provider %s circuit breaker opened", e.Adapter.ID())
		}
	} else {
		e.Breaker.Success()
	}
}

// Registry holds the configured adapters and answers routing questions.
type Registry struct {
	entries map[string]*Entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func (r *Registry) Register(a Adapter, ratePerSec float64, burst int, breaker *Breaker) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	r.entries[a.ID()] = &Entry{
		Adapter: a,
		Limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		Breaker: breaker,
	}
	r.order = append(r.order, a.ID())
	sort.Strings(r.order)
}

func (r *Registry) Get(id string) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Eligible returns the adapters able to handle currency, preferred first,
// the rest in deterministic (lexicographic) order.
func (r *Registry) Eligible(currency, preferred string) []*Entry {
	var out []*Entry
	if preferred != "" {
		if e, ok := r.entries[preferred]; ok && e.Adapter.Supports(currency) {
			out = append(out, e)
		}
	}
	for _, id := range r.order {
		if id == preferred {
			continue
		}
		if e := r.entries[id]; e.Adapter.Supports(currency) {
			out = append(out, e)
		}
	}
	return out
}
