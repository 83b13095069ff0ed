package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"

	"payrouter/config"
	"payrouter/internal/domain"
	"payrouter/internal/models"
	"payrouter/internal/repository"
	"payrouter/pkg/provider"
)

// Reconciler is the liveness guarantee: terminal outcomes must never depend
// on a webhook arriving. It polls providers for payouts stuck in
// non-terminal states and re-drives orphan callback events.
type Reconciler struct {
	cfgStore  *config.Store
	payoutSvc *PayoutService
	payouts   *repository.PayoutRepository
	events    *repository.EventRepository
	registry  *provider.Registry
	sched     gocron.Scheduler
}

func NewReconciler(
	cfgStore *config.Store,
	payoutSvc *PayoutService,
	payouts *repository.PayoutRepository,
	events *repository.EventRepository,
	registry *provider.Registry,
) *Reconciler {
	return &Reconciler{
		cfgStore:  cfgStore,
		payoutSvc: payoutSvc,
		payouts:   payouts,
		events:    events,
		registry:  registry,
	}
}

// Start schedules the periodic run.
func (r *Reconciler) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	interval := r.cfgStore.Snapshot().Reconciler.Interval()
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			r.RunOnce(ctx)
		}),
	)
	if err != nil {
		return err
	}
	sched.Start()
	r.sched = sched
	log.Printf("[Reconciler] running every %s", interval)
	return nil
}

func (r *Reconciler) Stop() {
	if r.sched != nil {
		_ = r.sched.Shutdown()
	}
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	cfg := r.cfgStore.Snapshot()
	r.pollStale(ctx, cfg)
	r.resolveOrphans(ctx, cfg)
}

// canQueryStatus reports whether the provider offers a status query endpoint.
// Providers missing from the config default to queryable.
func canQueryStatus(cfg *config.Config, providerID string) bool {
	pc, ok := cfg.Providers[providerID]
	return !ok || pc.Capabilities.StatusQuery
}

func (r *Reconciler) pollStale(ctx context.Context, cfg *config.Config) {
	cutoff := time.Now().Add(-cfg.Reconciler.Grace())
	stale, err := r.payouts.ListStale([]string{
		domain.StateSubmitted, domain.StateAccepted,
		domain.StateBroadcast, domain.StateRefundPending,
	}, cutoff, 100)
	if err != nil {
		log.Printf("[Reconciler] stale scan failed: %v", err)
		return
	}
	for i := range stale {
		p := &stale[i]
		if !p.HasExternalID() {
			// Still waiting on a submit result; the retry loop owns it.
			continue
		}
		if !canQueryStatus(cfg, p.ProviderID) {
			// Only this provider's webhooks can settle the payout.
			continue
		}
		entry, ok := r.registry.Get(p.ProviderID)
		if !ok {
			continue
		}
		st, err := entry.Query(ctx, *p.ExternalID)
		if err != nil {
			log.Printf("[Reconciler] query %s/%s failed: %v", p.ProviderID, *p.ExternalID, err)
			continue
		}
		if err := r.payoutSvc.ApplyProviderState(ctx, p.ID, st, "reconciler"); err != nil {
			log.Printf("[Reconciler] apply for payout %s failed: %v", p.ID, err)
		}
	}
}

// resolveOrphans tries to bind stored orphan events to payouts, first by
// external id, then by (destination, amount) within a short submit window.
// Orphans past the quarantine age are quarantined with an alert.
func (r *Reconciler) resolveOrphans(ctx context.Context, cfg *config.Config) {
	orphans, err := r.events.ListOrphans(100)
	if err != nil {
		log.Printf("[Reconciler] orphan scan failed: %v", err)
		return
	}
	for i := range orphans {
		ev := &orphans[i]
		p, err := r.payouts.GetByExternalID(ev.ProviderID, ev.ExternalID)
		if errors.Is(err, domain.ErrNotFound) {
			p = r.bindByDestination(ev)
		} else if err != nil {
			continue
		}
		if p != nil {
			if err := r.events.MarkMapped(ev, p.ID, ev.MappedState); err != nil {
				continue
			}
			log.Printf("[Reconciler] bound orphan event %s/%s to payout %s", ev.ProviderID, ev.EventID, p.ID)
			if entry, ok := r.registry.Get(p.ProviderID); ok && p.HasExternalID() && canQueryStatus(cfg, p.ProviderID) {
				if st, qerr := entry.Query(ctx, *p.ExternalID); qerr == nil {
					_ = r.payoutSvc.ApplyProviderState(ctx, p.ID, st, "reconciler")
				}
			}
			continue
		}
		if time.Since(ev.ReceivedAt) > cfg.Reconciler.OrphanQuarantine() {
			if err := r.events.Quarantine(ev); err == nil {
				r.payoutSvc.alertFn("OrphanQuarantine",
					"callback event "+ev.ProviderID+"/"+ev.EventID+" unresolved past grace, quarantined")
			}
		}
	}
}

// bindByDestination matches an orphan to a recently submitted payout with
// the same provider, destination and amount; the external id from the event
// is attached when exactly one candidate exists.
func (r *Reconciler) bindByDestination(ev *models.CallbackEvent) *models.Payout {
	if ev.ExternalID == "" || ev.Destination == "" || ev.Amount == "" {
		return nil
	}
	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil {
		return nil
	}
	since := ev.ReceivedAt.Add(-15 * time.Minute)
	candidates, err := r.payouts.FindSubmittedByDestination(ev.ProviderID, ev.Destination, amount.String(), since)
	if err != nil {
		return nil
	}
	var match *models.Payout
	for i := range candidates {
		p := &candidates[i]
		if p.HasExternalID() {
			continue
		}
		if match != nil {
			// Ambiguous; leave the orphan for the quarantine clock.
			return nil
		}
		match = p
	}
	if match == nil {
		return nil
	}
	if err := r.payouts.BindExternalID(match, ev.ExternalID); err != nil {
		return nil
	}
	return match
}
