package models

import "time"

// CallbackEvent stores every verified inbound provider webhook. The unique
// index on (provider_id, event_id) is what makes duplicate delivery a no-op.
type CallbackEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ProviderID     string    `gorm:"size:32;not null;uniqueIndex:idx_provider_event" json:"provider_id"`
	EventID        string    `gorm:"size:128;not null;uniqueIndex:idx_provider_event" json:"event_id"`
	PayloadHash    string    `gorm:"size:64;not null" json:"payload_hash"`
	SignatureOK    bool      `gorm:"not null" json:"signature_ok"`
	ExternalID     string    `gorm:"size:128;index" json:"external_payout_id"`
	Destination    string    `gorm:"size:128" json:"destination"`
	Amount         string    `gorm:"size:64" json:"amount"`
	MappedPayoutID string    `gorm:"size:36;index" json:"mapped_payout_id"`
	MappedState    string    `gorm:"size:16" json:"mapped_state"`
	Orphan         bool      `gorm:"not null;default:false;index" json:"orphan"`
	Quarantined    bool      `gorm:"not null;default:false" json:"quarantined"`
	ReceivedAt     time.Time `json:"received_at"`
}

func (CallbackEvent) TableName() string {
	return "callback_events"
}
