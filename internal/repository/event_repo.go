package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"payrouter/internal/domain"
	"payrouter/internal/models"
)

// ErrDuplicateEvent signals that this (provider_id, event_id) was already
// persisted; the webhook ingestor short-circuits to 200.
var ErrDuplicateEvent = errors.New("callback event already recorded")

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Insert(ev *models.CallbackEvent) error {
	if err := r.db.Create(ev).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *EventRepository) MarkMapped(ev *models.CallbackEvent, payoutID, mappedState string) error {
	return r.db.Model(ev).Updates(map[string]interface{}{
		"mapped_payout_id": payoutID,
		"mapped_state":     mappedState,
		"orphan":           false,
	}).Error
}

func (r *EventRepository) MarkOrphan(ev *models.CallbackEvent) error {
	return r.db.Model(ev).Update("orphan", true).Error
}

// ListOrphans returns unresolved, unquarantined orphan events.
func (r *EventRepository) ListOrphans(limit int) ([]models.CallbackEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.CallbackEvent
	err := r.db.Where("orphan = ? AND quarantined = ?", true, false).
		Order("received_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

// Quarantine flags an orphan that stayed unresolved past the grace window.
func (r *EventRepository) Quarantine(ev *models.CallbackEvent) error {
	ev.Quarantined = true
	return r.db.Model(ev).Update("quarantined", true).Error
}

func (r *EventRepository) Get(providerID, eventID string) (*models.CallbackEvent, error) {
	var ev models.CallbackEvent
	err := r.db.Where("provider_id = ? AND event_id = ?", providerID, eventID).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// PruneQuarantined deletes quarantined events older than cutoff. Operator
// housekeeping; nothing in the payout path depends on it.
func (r *EventRepository) PruneQuarantined(cutoff time.Time) (int64, error) {
	res := r.db.Where("quarantined = ? AND received_at < ?", true, cutoff).
		Delete(&models.CallbackEvent{})
	return res.RowsAffected, res.Error
}
