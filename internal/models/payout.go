package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Attempt records one provider submission.
type Attempt struct {
	At        time.Time `json:"at"`
	Provider  string    `json:"provider"`
	Result    string    `json:"result"` // accepted, rejected, error
	ErrorCode string    `json:"error_code,omitempty"`
}

// AttemptLog is the submission history, stored as a JSON text column. The
// retry ceiling counts persisted attempts, so writes of this column must
// round-trip.
type AttemptLog []Attempt

func (l AttemptLog) Value() (driver.Value, error) {
	if l == nil {
		l = AttemptLog{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *AttemptLog) Scan(value interface{}) error {
	if value == nil {
		*l = AttemptLog{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("attempt log: cannot scan %T", value)
	}
	if len(raw) == 0 {
		*l = AttemptLog{}
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Payout is the canonical record of one attempted external transfer. At most
// one exists per (user_id, intent_id); once terminal only OnChainTx may still
// be filled in.
type Payout struct {
	ID             string           `gorm:"primaryKey;size:36" json:"payout_id"`
	IntentID       string           `gorm:"size:64;not null;uniqueIndex:idx_user_intent" json:"intent_id"`
	UserID         string           `gorm:"size:64;not null;uniqueIndex:idx_user_intent;index" json:"user_id"`
	Currency       string           `gorm:"size:16;not null" json:"currency"`
	NetAmount      decimal.Decimal  `gorm:"type:decimal(32,18);not null" json:"net_amount"`
	FeeEstimate    decimal.Decimal  `gorm:"type:decimal(32,18);not null" json:"fee_estimate"`
	Destination    string           `gorm:"size:128;not null" json:"destination_address"`
	Classification string           `gorm:"size:16;not null" json:"classification"`
	TreasuryID     string           `gorm:"size:32" json:"treasury_id"`
	ProviderID     string           `gorm:"size:32;uniqueIndex:idx_provider_ext" json:"provider_id"`
	ExternalID     *string          `gorm:"size:128;uniqueIndex:idx_provider_ext" json:"external_payout_id"`
	State          string           `gorm:"size:24;not null;index" json:"state"`
	Attempts       AttemptLog       `gorm:"type:text" json:"attempts"`
	OnChainTx      string           `gorm:"size:128" json:"on_chain_tx,omitempty"`
	FinalAmount    *decimal.Decimal `gorm:"type:decimal(32,18)" json:"final_amount,omitempty"`
	FinalFee       *decimal.Decimal `gorm:"type:decimal(32,18)" json:"final_fee,omitempty"`
	LastError      string           `gorm:"size:64" json:"last_error,omitempty"`
	ReservationID  string           `gorm:"size:36;index" json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	TerminalAt     *time.Time       `json:"terminal_at,omitempty"`
}

func (Payout) TableName() string {
	return "payouts"
}

func (p *Payout) HasExternalID() bool {
	return p.ExternalID != nil && *p.ExternalID != ""
}
