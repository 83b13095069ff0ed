package repository

import (
	"errors"
	"testing"
	"time"

	"payrouter/internal/models"
)

func TestInsertDuplicateEventRefused(t *testing.T) {
	r := NewEventRepository(newTestDB(t))

	ev := &models.CallbackEvent{
		ProviderID:  "stub",
		EventID:     "e1",
		PayloadHash: "abc",
		SignatureOK: true,
		ExternalID:  "ext-1",
		ReceivedAt:  time.Now().UTC(),
	}
	if err := r.Insert(ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &models.CallbackEvent{
		ProviderID: "stub",
		EventID:    "e1",
		ExternalID: "ext-1",
		ReceivedAt: time.Now().UTC(),
	}
	if err := r.Insert(dup); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("duplicate insert: err = %v, want ErrDuplicateEvent", err)
	}
	// The same event id under another provider is a different event.
	other := &models.CallbackEvent{
		ProviderID: "nowpayments",
		EventID:    "e1",
		ExternalID: "ext-1",
		ReceivedAt: time.Now().UTC(),
	}
	if err := r.Insert(other); err != nil {
		t.Fatalf("other-provider insert: %v", err)
	}
}

func TestOrphanLifecycle(t *testing.T) {
	r := NewEventRepository(newTestDB(t))

	ev := &models.CallbackEvent{
		ProviderID: "stub",
		EventID:    "e1",
		ExternalID: "ext-1",
		ReceivedAt: time.Now().UTC(),
	}
	if err := r.Insert(ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.MarkOrphan(ev); err != nil {
		t.Fatalf("mark orphan: %v", err)
	}

	orphans, err := r.ListOrphans(10)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].EventID != "e1" {
		t.Fatalf("orphans = %d rows, want the stored event", len(orphans))
	}

	// Mapping clears the orphan flag.
	if err := r.MarkMapped(ev, "payout-1", "confirmed"); err != nil {
		t.Fatalf("mark mapped: %v", err)
	}
	orphans, err = r.ListOrphans(10)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("mapped event still listed as orphan")
	}
	got, err := r.Get("stub", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MappedPayoutID != "payout-1" {
		t.Fatalf("mapped_payout_id = %s, want payout-1", got.MappedPayoutID)
	}
}

func TestQuarantinedOrphanLeavesWorkQueue(t *testing.T) {
	r := NewEventRepository(newTestDB(t))

	ev := &models.CallbackEvent{
		ProviderID: "stub",
		EventID:    "e1",
		ExternalID: "ext-1",
		ReceivedAt: time.Now().UTC().Add(-25 * time.Hour),
	}
	if err := r.Insert(ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.MarkOrphan(ev); err != nil {
		t.Fatalf("mark orphan: %v", err)
	}
	if err := r.Quarantine(ev); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	orphans, err := r.ListOrphans(10)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("quarantined event still listed as orphan")
	}

	n, err := r.PruneQuarantined(time.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
}
