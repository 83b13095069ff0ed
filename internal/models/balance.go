package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance holds the three sub-balances for one (user, currency) pair.
// All mutations go through the ledger repository's compare-and-set on Version;
// nothing else may write these rows.
type UserBalance struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	UserID     string          `gorm:"size:64;not null;uniqueIndex:idx_user_currency" json:"user_id"`
	Currency   string          `gorm:"size:16;not null;uniqueIndex:idx_user_currency" json:"currency"`
	Available  decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"available"`
	Reserved   decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"reserved"`
	PendingOut decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"pending_out"`
	Version    int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}

// Reservation is a hold on a user's available balance. State moves
// open → pending → committed, or open/pending → released.
type Reservation struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	UserID    string          `gorm:"size:64;not null;index" json:"user_id"`
	Currency  string          `gorm:"size:16;not null" json:"currency"`
	Amount    decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount"`
	State     string          `gorm:"size:16;not null;index" json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Reservation) TableName() string {
	return "reservations"
}
