package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrouter/config"
	"payrouter/internal/domain"
	"payrouter/internal/models"
	"payrouter/internal/repository"
	"payrouter/pkg/provider"
)

// PolicyHook lets the host plug compliance checks in front of every intent.
// A nil hook allows everything.
type PolicyHook func(ctx context.Context, req CreateRequest) error

// CreateRequest is the caller's withdrawal intent.
type CreateRequest struct {
	IntentID          string
	UserID            string
	Currency          string
	Amount            decimal.Decimal
	Destination       string
	Classification    string
	PreferredProvider string
}

// PayoutService drives a payout through its lifecycle. All cross-worker
// serialization happens through conditional state updates in the payout
// store; the service holds no per-payout locks.
type PayoutService struct {
	cfgStore *config.Store
	ledger   *repository.LedgerRepository
	payouts  *repository.PayoutRepository
	events   *repository.EventRepository
	registry *provider.Registry
	policy   PolicyHook
	alertFn  func(kind, msg string)
	sleep    func(time.Duration)
	wg       sync.WaitGroup
}

func NewPayoutService(
	cfgStore *config.Store,
	ledger *repository.LedgerRepository,
	payouts *repository.PayoutRepository,
	events *repository.EventRepository,
	registry *provider.Registry,
) *PayoutService {
	return &PayoutService{
		cfgStore: cfgStore,
		ledger:   ledger,
		payouts:  payouts,
		events:   events,
		registry: registry,
		alertFn: func(kind, msg string) {
			log.Printf("[ALERT] %s: %s", kind, msg)
		},
		sleep: time.Sleep,
	}
}

func (s *PayoutService) SetPolicyHook(h PolicyHook) { s.policy = h }

// SetAlertFunc replaces the operator alert sink.
func (s *PayoutService) SetAlertFunc(f func(kind, msg string)) { s.alertFn = f }

// Wait blocks until all background retry goroutines have drained.
func (s *PayoutService) Wait() { s.wg.Wait() }

func (s *PayoutService) GetPayout(id string) (*models.Payout, error) {
	return s.payouts.GetByID(id)
}

func (s *PayoutService) ListPayouts(userID string, limit int) ([]models.Payout, error) {
	return s.payouts.ListByUser(userID, limit)
}

// Create accepts a withdrawal intent and runs the payout up to the first
// provider submission. The bool result reports whether a new payout was
// created; a repeated intent returns the existing payout unchanged.
func (s *PayoutService) Create(ctx context.Context, req CreateRequest) (*models.Payout, bool, error) {
	cfg := s.cfgStore.Snapshot()

	// Intent dedupe first: retried calls must not re-validate against a
	// policy that may have changed since the first attempt.
	if existing, err := s.payouts.GetByUserIntent(req.UserID, req.IntentID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	amount, err := s.validate(ctx, cfg, &req)
	if err != nil {
		return nil, false, err
	}

	inFlight, err := s.payouts.CountInFlight(req.UserID, req.Currency)
	if err != nil {
		return nil, false, err
	}
	if inFlight >= int64(cfg.MaxInFlight) {
		return nil, false, domain.ErrConcurrencyCap
	}

	entry, err := s.pickProvider(cfg, req.Currency, req.PreferredProvider)
	if err != nil {
		return nil, false, err
	}
	treasury, err := SelectTreasury(cfg, amount, req.Currency, req.Classification)
	if err != nil {
		return nil, false, err
	}

	p := &models.Payout{
		ID:             uuid.NewString(),
		IntentID:       req.IntentID,
		UserID:         req.UserID,
		Currency:       req.Currency,
		NetAmount:      amount,
		FeeEstimate:    decimal.Zero,
		Destination:    req.Destination,
		Classification: req.Classification,
		State:          domain.StateCreated,
		Attempts:       []models.Attempt{},
	}
	p, created, err := s.payouts.Create(p)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost the insert race to a concurrent duplicate intent.
		return p, false, nil
	}

	reservationID, err := s.ledger.Reserve(ctx, req.UserID, req.Currency, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			_ = s.payouts.Transition(p, domain.StateCreated, domain.StateRejected, map[string]interface{}{
				"last_error": domain.ErrCodeInsufficientFunds,
			})
			return p, true, domain.ErrInsufficientFunds
		}
		return nil, false, err
	}
	if err := s.payouts.Transition(p, domain.StateCreated, domain.StateReserved, map[string]interface{}{
		"reservation_id": reservationID,
	}); err != nil {
		return nil, false, err
	}

	s.submit(ctx, p, cfg, entry, treasury.TreasuryID)
	return p, true, nil
}

func (s *PayoutService) validate(ctx context.Context, cfg *config.Config, req *CreateRequest) (decimal.Decimal, error) {
	if req.IntentID == "" {
		return decimal.Zero, domain.NewValidationError("intent_id", "required")
	}
	if req.UserID == "" {
		return decimal.Zero, domain.NewValidationError("user_id", "required")
	}
	cur, ok := cfg.Currencies[req.Currency]
	if !ok {
		return decimal.Zero, domain.NewValidationError("currency", "unsupported")
	}
	if req.Amount.Sign() <= 0 {
		return decimal.Zero, domain.NewValidationError("amount", "must be positive")
	}
	amount := cfg.Round(req.Currency, req.Amount)
	if amount.LessThan(cur.MinWithdrawal) {
		return decimal.Zero, domain.NewValidationError("amount", "below minimum withdrawal")
	}
	if !cfg.ValidAddress(req.Currency, req.Destination) {
		return decimal.Zero, domain.NewValidationError("destination", "address failed syntactic validation")
	}
	if req.Classification == "" {
		req.Classification = domain.ClassStandard
	}
	if !domain.ValidClassification(req.Classification) {
		return decimal.Zero, domain.NewValidationError("classification", "unknown classification")
	}
	if s.policy != nil {
		if err := s.policy(ctx, *req); err != nil {
			return decimal.Zero, err
		}
	}
	return amount, nil
}

// pickProvider walks the eligible adapters in deterministic order and takes
// the first with a free token. All buckets empty means RateLimited.
func (s *PayoutService) pickProvider(cfg *config.Config, currency, preferred string) (*provider.Entry, error) {
	eligible := s.registry.Eligible(currency, preferred)
	if len(eligible) == 0 {
		return nil, domain.ErrNoEligibleProvider
	}
	for _, e := range eligible {
		if e.AllowRequest() {
			return e, nil
		}
	}
	return nil, domain.ErrRateLimited
}

// submit performs one provider submission. The SUBMITTED write lands before
// the provider call and carries the chosen provider and treasury.
func (s *PayoutService) submit(ctx context.Context, p *models.Payout, cfg *config.Config, entry *provider.Entry, treasuryID string) {
	from := p.State
	if err := s.payouts.Transition(p, from, domain.StateSubmitted, map[string]interface{}{
		"provider_id": entry.Adapter.ID(),
		"treasury_id": treasuryID,
	}); err != nil {
		return
	}

	// Synthesized idempotency: a payout that already holds an acceptance
	// record is never resubmitted, whatever the provider supports.
	if p.HasExternalID() {
		s.accept(ctx, p, *p.ExternalID, provider.StatePending)
		return
	}

	res, err := entry.Submit(ctx, provider.SubmitRequest{
		PayoutID:       p.ID,
		Currency:       p.Currency,
		Amount:         p.NetAmount,
		Destination:    p.Destination,
		IdempotencyKey: p.ID,
	})

	attempt := models.Attempt{At: time.Now().UTC(), Provider: entry.Adapter.ID()}
	if err == nil {
		attempt.Result = "accepted"
	} else {
		var pe *provider.Error
		if errors.As(err, &pe) {
			attempt.ErrorCode = pe.Code
		}
		if provider.Classify(err) == provider.ClassRetryable || provider.Classify(err) == provider.ClassUnknown {
			attempt.Result = "error"
		} else {
			attempt.Result = "rejected"
		}
	}
	if aerr := s.payouts.AppendAttempt(p, attempt); aerr != nil {
		log.Printf("[ALERT] payout %s: attempt history write failed: %v", p.ID, aerr)
		s.alertFn("AttemptLogWriteFailure", "payout "+p.ID+": attempt history write failed: "+aerr.Error())
		if err != nil {
			// The retry budget lives in this column. Without a recorded
			// attempt the payout must not keep cycling, so leave it in
			// SUBMITTED for operators rather than pretend nothing happened.
			return
		}
		// The provider accepted, so the acceptance still has to be tracked.
	}

	if err == nil {
		s.accept(ctx, p, res.ExternalID, res.State)
		return
	}

	switch provider.Classify(err) {
	case provider.ClassNonRetryableUser, provider.ClassNonRetryablePolicy:
		log.Printf("[Payout] %s rejected by %s: %v", p.ID, entry.Adapter.ID(), err)
		if terr := s.payouts.Transition(p, domain.StateSubmitted, domain.StateRejected, map[string]interface{}{
			"last_error": domain.ErrCodeProviderRejected,
		}); terr == nil {
			s.release(ctx, p)
		}
	default:
		log.Printf("[Payout] %s submit error (attempt %d): %v", p.ID, len(p.Attempts), err)
		if terr := s.payouts.Transition(p, domain.StateSubmitted, domain.StateSubmitError, map[string]interface{}{
			"last_error": attempt.ErrorCode,
		}); terr != nil {
			return
		}
		if len(p.Attempts) >= cfg.Retry.MaxAttempts {
			s.giveUp(ctx, p)
			return
		}
		s.scheduleRetry(p.ID, cfg, len(p.Attempts))
	}
}

// accept records the provider's acceptance and moves the held funds to
// pending_out. Duplicate acceptances for the same payout are ignored.
func (s *PayoutService) accept(ctx context.Context, p *models.Payout, externalID string, state provider.State) {
	if err := s.payouts.Transition(p, domain.StateSubmitted, domain.StateAccepted, map[string]interface{}{
		"external_id": externalID,
		"last_error":  "",
	}); err != nil {
		// Another worker already advanced this payout.
		return
	}
	if err := s.ledger.MarkPending(ctx, p.ReservationID); err != nil {
		log.Printf("[Payout] %s: mark pending failed: %v", p.ID, err)
	}
	// Some providers report sent or even confirmed in the submit reply.
	if state == provider.StateSent || state == provider.StateConfirmed || state == provider.StateFailed {
		s.applyState(ctx, p, &provider.StatusResult{State: state}, "submit")
	}
}

func (s *PayoutService) scheduleRetry(payoutID string, cfg *config.Config, attempts int) {
	delay := retryBackoff(cfg.Retry, attempts)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sleep(delay)
		s.retry(payoutID, cfg)
	}()
}

// retry re-submits a payout sitting in SUBMIT_ERROR. The payout keeps the
// config snapshot its state machine first ran under.
func (s *PayoutService) retry(payoutID string, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	p, err := s.payouts.GetByID(payoutID)
	if err != nil || p.State != domain.StateSubmitError {
		return
	}
	entry, ok := s.registry.Get(p.ProviderID)
	if !ok {
		s.giveUp(ctx, p)
		return
	}
	s.submit(ctx, p, cfg, entry, p.TreasuryID)
}

// giveUp ends a payout that exhausted its retry budget: the reservation is
// released and the payout reports failed(ProviderUnavailable).
func (s *PayoutService) giveUp(ctx context.Context, p *models.Payout) {
	if err := s.payouts.Transition(p, domain.StateSubmitError, domain.StateReleased, map[string]interface{}{
		"last_error": domain.ErrCodeProviderUnavailable,
	}); err != nil {
		return
	}
	s.release(ctx, p)
}

func (s *PayoutService) release(ctx context.Context, p *models.Payout) {
	if p.ReservationID == "" {
		return
	}
	if err := s.ledger.Release(ctx, p.ReservationID); err != nil {
		log.Printf("[Payout] %s: release failed: %v", p.ID, err)
	}
}

func retryBackoff(rc config.RetryConfig, attempts int) time.Duration {
	d := rc.Base()
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= rc.Cap() {
			d = rc.Cap()
			break
		}
	}
	if d <= 0 {
		return 0
	}
	// Full jitter.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Cancel honors a caller cancel while the payout is still pre-submit.
func (s *PayoutService) Cancel(ctx context.Context, payoutID, userID string) (*models.Payout, error) {
	p, err := s.payouts.GetByID(payoutID)
	if err != nil {
		return nil, err
	}
	if userID != "" && p.UserID != userID {
		return nil, domain.ErrNotFound
	}
	if p.State != domain.StateReserved {
		return nil, domain.ErrNotCancellable
	}
	if err := s.payouts.Transition(p, domain.StateReserved, domain.StateCancelled, map[string]interface{}{
		"last_error": domain.ErrCodeCancelled,
	}); err != nil {
		return nil, domain.ErrNotCancellable
	}
	s.release(ctx, p)
	_ = s.payouts.Transition(p, domain.StateCancelled, domain.StateReleased, nil)
	return p, nil
}

// HandleCallback is the webhook ingestion path: verify, persist exactly once,
// map, apply. It returns domain.ErrInvalidSignature for a 401; any other nil
// return means the caller must answer 200 to stop provider retries.
func (s *PayoutService) HandleCallback(ctx context.Context, providerID string, body []byte, headers http.Header) error {
	entry, ok := s.registry.Get(providerID)
	if !ok {
		return domain.ErrNotFound
	}
	if pc, ok := s.cfgStore.Snapshot().Providers[providerID]; ok && !pc.Capabilities.Webhook {
		// A provider without a webhook scheme cannot have sent this.
		return domain.ErrNotFound
	}
	cb, err := entry.Adapter.VerifyCallback(body, headers)
	if err != nil {
		log.Printf("[Webhook] %s: signature verification failed", providerID)
		return domain.ErrInvalidSignature
	}
	sum := sha256.Sum256(body)
	ev := &models.CallbackEvent{
		ProviderID:  providerID,
		EventID:     cb.EventID,
		PayloadHash: hex.EncodeToString(sum[:]),
		SignatureOK: true,
		ExternalID:  cb.ExternalID,
		Destination: cb.Destination,
		Amount:      cb.Amount,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.events.Insert(ev); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			return nil
		}
		return err
	}
	p, err := s.payouts.GetByExternalID(providerID, cb.ExternalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Webhook] %s: no payout for external id %s, storing orphan", providerID, cb.ExternalID)
			return s.events.MarkOrphan(ev)
		}
		return err
	}
	if err := s.events.MarkMapped(ev, p.ID, string(cb.State)); err != nil {
		return err
	}
	if err := s.applyState(ctx, p, &provider.StatusResult{State: cb.State, OnChainTx: cb.OnChainTx}, "webhook"); err != nil {
		// The event is persisted; the reconciler will re-derive the
		// transition. Still answer 200.
		log.Printf("[Webhook] %s: applying event %s failed: %v", providerID, cb.EventID, err)
	}
	return nil
}

// ApplyProviderState feeds one normalized provider report through the state
// machine. Both the webhook ingestor and the reconciler end up here.
func (s *PayoutService) ApplyProviderState(ctx context.Context, payoutID string, st *provider.StatusResult, source string) error {
	p, err := s.payouts.GetByID(payoutID)
	if err != nil {
		return err
	}
	return s.applyState(ctx, p, st, source)
}

func (s *PayoutService) applyState(ctx context.Context, p *models.Payout, st *provider.StatusResult, source string) error {
	if domain.IsTerminal(p.State) {
		return s.applyToTerminal(p, st, source)
	}
	switch st.State {
	case provider.StatePending, provider.StateProcessing, provider.StateUnknown:
		return nil
	case provider.StateSent:
		s.ensureAccepted(ctx, p)
		if p.State == domain.StateAccepted {
			_ = s.payouts.Transition(p, domain.StateAccepted, domain.StateBroadcast, nil)
			_ = s.payouts.SetOnChainTx(p, st.OnChainTx)
		}
		return nil
	case provider.StateConfirmed:
		return s.confirm(ctx, p, st)
	case provider.StateFailed:
		return s.fail(ctx, p, source)
	}
	return nil
}

// ensureAccepted advances a SUBMITTED payout whose acceptance we learned of
// out-of-band (orphan binding before the submit reply landed).
func (s *PayoutService) ensureAccepted(ctx context.Context, p *models.Payout) {
	if p.State != domain.StateSubmitted || !p.HasExternalID() {
		return
	}
	if err := s.payouts.Transition(p, domain.StateSubmitted, domain.StateAccepted, nil); err == nil {
		_ = s.ledger.MarkPending(ctx, p.ReservationID)
	}
}

func (s *PayoutService) confirm(ctx context.Context, p *models.Payout, st *provider.StatusResult) error {
	s.ensureAccepted(ctx, p)
	if p.State == domain.StateAccepted {
		if err := s.payouts.Transition(p, domain.StateAccepted, domain.StateBroadcast, nil); err != nil {
			return err
		}
	}
	if p.State != domain.StateBroadcast {
		return nil
	}
	updates := map[string]interface{}{}
	if p.OnChainTx == "" && st.OnChainTx != "" {
		updates["on_chain_tx"] = st.OnChainTx
	}
	// Settled figures from the provider, when it reports them.
	if st.FinalAmount != nil {
		updates["final_amount"] = *st.FinalAmount
	}
	if st.FinalFee != nil {
		updates["final_fee"] = *st.FinalFee
	}
	if err := s.payouts.Transition(p, domain.StateBroadcast, domain.StateConfirmed, updates); err != nil {
		// Lost the race; the winner commits the ledger.
		return nil
	}
	if err := s.ledger.Commit(ctx, p.ReservationID); err != nil {
		log.Printf("[Payout] %s: ledger commit failed: %v", p.ID, err)
		return err
	}
	log.Printf("[Payout] %s confirmed, tx=%s", p.ID, p.OnChainTx)
	return nil
}

func (s *PayoutService) fail(ctx context.Context, p *models.Payout, source string) error {
	switch p.State {
	case domain.StateSubmitted:
		// Failed before any acceptance was recorded.
		if err := s.payouts.Transition(p, domain.StateSubmitted, domain.StateRejected, map[string]interface{}{
			"last_error": domain.ErrCodeProviderRejected,
		}); err == nil {
			s.release(ctx, p)
		}
		return nil
	case domain.StateAccepted, domain.StateBroadcast:
		if err := s.payouts.Transition(p, p.State, domain.StateFailedPostAccept, map[string]interface{}{
			"last_error": domain.ErrCodePostAcceptFailure,
		}); err != nil {
			return nil
		}
		// The winning transition fires the alert exactly once.
		s.alertFn("PostAcceptFailure", "payout "+p.ID+" failed after provider acceptance ("+source+")")
		if err := s.payouts.Transition(p, domain.StateFailedPostAccept, domain.StateRefundPending, nil); err != nil {
			return nil
		}
		// The failed report is the provider's word that it will not
		// re-debit; refund and close out.
		s.release(ctx, p)
		return s.payouts.Transition(p, domain.StateRefundPending, domain.StateReleased, nil)
	case domain.StateRefundPending:
		s.release(ctx, p)
		return s.payouts.Transition(p, domain.StateRefundPending, domain.StateReleased, nil)
	}
	return nil
}

// applyToTerminal handles reports arriving after the payout closed: a late
// hash may be filled in, contradictions are alert-only.
func (s *PayoutService) applyToTerminal(p *models.Payout, st *provider.StatusResult, source string) error {
	contradiction := (p.State == domain.StateConfirmed && st.State == provider.StateFailed) ||
		(p.State != domain.StateConfirmed && st.State == provider.StateConfirmed)
	if contradiction {
		s.alertFn("ContradictoryTerminalReport",
			"payout "+p.ID+" is "+p.State+" but "+source+" reports "+string(st.State))
		return nil
	}
	if p.State == domain.StateConfirmed {
		return s.payouts.SetOnChainTx(p, st.OnChainTx)
	}
	return nil
}
