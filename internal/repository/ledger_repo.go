package repository

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"payrouter/internal/domain"
	"payrouter/internal/models"
)

// LedgerRepository is the only component allowed to mutate user balances.
// Every mutation is a compare-and-set on the balance row's version column,
// retried a bounded number of times with jittered backoff.
type LedgerRepository struct {
	db         *gorm.DB
	maxRetries int
}

func NewLedgerRepository(db *gorm.DB, maxRetries int) *LedgerRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &LedgerRepository{db: db, maxRetries: maxRetries}
}

func (r *LedgerRepository) getOrCreate(userID, currency string) (*models.UserBalance, error) {
	var b models.UserBalance
	err := r.db.Where("user_id = ? AND currency = ?", userID, currency).First(&b).Error
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	b = models.UserBalance{
		UserID:     userID,
		Currency:   currency,
		Available:  decimal.Zero,
		Reserved:   decimal.Zero,
		PendingOut: decimal.Zero,
	}
	if err := r.db.Create(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the creation race; the row exists now.
			return r.getOrCreate(userID, currency)
		}
		return nil, err
	}
	return &b, nil
}

// cas writes the new sub-balance vector iff the row version is unchanged.
// Returns domain.ErrConcurrencyConflict when another writer won.
func (r *LedgerRepository) cas(tx *gorm.DB, b *models.UserBalance) error {
	res := tx.Model(&models.UserBalance{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"available":   b.Available,
			"reserved":    b.Reserved,
			"pending_out": b.PendingOut,
			"version":     b.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (r *LedgerRepository) withRetries(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < r.maxRetries; i++ {
		if err = op(); !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		backoff := time.Duration(rand.Int63n(int64(10*time.Millisecond) * int64(i+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// Reserve atomically moves amount from available to reserved and writes an
// open reservation row. Fails with domain.ErrInsufficientFunds without any
// partial effect.
func (r *LedgerRepository) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 {
		return "", domain.NewValidationError("amount", "must be positive")
	}
	reservationID := uuid.NewString()
	err := r.withRetries(ctx, func() error {
		b, err := r.getOrCreate(userID, currency)
		if err != nil {
			return err
		}
		if b.Available.LessThan(amount) {
			return domain.ErrInsufficientFunds
		}
		b.Available = b.Available.Sub(amount)
		b.Reserved = b.Reserved.Add(amount)
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := r.cas(tx, b); err != nil {
				return err
			}
			return tx.Create(&models.Reservation{
				ID:       reservationID,
				UserID:   userID,
				Currency: currency,
				Amount:   amount,
				State:    domain.ReservationOpen,
			}).Error
		})
	})
	if err != nil {
		return "", err
	}
	return reservationID, nil
}

func (r *LedgerRepository) reservation(id string) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.db.First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// MarkPending moves the reserved amount to pending_out once the provider has
// accepted the payout. Idempotent.
func (r *LedgerRepository) MarkPending(ctx context.Context, reservationID string) error {
	return r.withRetries(ctx, func() error {
		res, err := r.reservation(reservationID)
		if err != nil {
			return err
		}
		switch res.State {
		case domain.ReservationPending, domain.ReservationCommitted:
			return nil
		case domain.ReservationReleased:
			return domain.ErrNotFound
		}
		b, err := r.getOrCreate(res.UserID, res.Currency)
		if err != nil {
			return err
		}
		b.Reserved = b.Reserved.Sub(res.Amount)
		b.PendingOut = b.PendingOut.Add(res.Amount)
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := r.cas(tx, b); err != nil {
				return err
			}
			return tx.Model(res).Update("state", domain.ReservationPending).Error
		})
	})
}

// Commit burns the held amount: the user's total decreases by the reserved
// amount. Idempotent on reservationID.
func (r *LedgerRepository) Commit(ctx context.Context, reservationID string) error {
	return r.withRetries(ctx, func() error {
		res, err := r.reservation(reservationID)
		if err != nil {
			return err
		}
		switch res.State {
		case domain.ReservationCommitted:
			return nil
		case domain.ReservationReleased:
			return domain.ErrNotFound
		}
		b, err := r.getOrCreate(res.UserID, res.Currency)
		if err != nil {
			return err
		}
		if res.State == domain.ReservationPending {
			b.PendingOut = b.PendingOut.Sub(res.Amount)
		} else {
			b.Reserved = b.Reserved.Sub(res.Amount)
		}
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := r.cas(tx, b); err != nil {
				return err
			}
			return tx.Model(res).Update("state", domain.ReservationCommitted).Error
		})
	})
}

// Release returns the held amount to available. Idempotent; refuses to touch
// a committed reservation.
func (r *LedgerRepository) Release(ctx context.Context, reservationID string) error {
	return r.withRetries(ctx, func() error {
		res, err := r.reservation(reservationID)
		if err != nil {
			return err
		}
		switch res.State {
		case domain.ReservationReleased:
			return nil
		case domain.ReservationCommitted:
			return domain.ErrAlreadyCommitted
		}
		b, err := r.getOrCreate(res.UserID, res.Currency)
		if err != nil {
			return err
		}
		if res.State == domain.ReservationPending {
			b.PendingOut = b.PendingOut.Sub(res.Amount)
		} else {
			b.Reserved = b.Reserved.Sub(res.Amount)
		}
		b.Available = b.Available.Add(res.Amount)
		return r.db.Transaction(func(tx *gorm.DB) error {
			if err := r.cas(tx, b); err != nil {
				return err
			}
			return tx.Model(res).Update("state", domain.ReservationReleased).Error
		})
	})
}

// Credit adds to available. Deposits and the administrative channel come
// through here; no other path raises a balance.
func (r *LedgerRepository) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.NewValidationError("amount", "must be positive")
	}
	return r.withRetries(ctx, func() error {
		b, err := r.getOrCreate(userID, currency)
		if err != nil {
			return err
		}
		b.Available = b.Available.Add(amount)
		return r.cas(r.db, b)
	})
}

// Read returns all balances for a user plus their open reservations. For
// observability only.
func (r *LedgerRepository) Read(userID string) ([]models.UserBalance, []models.Reservation, error) {
	var balances []models.UserBalance
	if err := r.db.Where("user_id = ?", userID).Find(&balances).Error; err != nil {
		return nil, nil, err
	}
	var open []models.Reservation
	err := r.db.Where("user_id = ? AND state IN ?", userID,
		[]string{domain.ReservationOpen, domain.ReservationPending}).Find(&open).Error
	if err != nil {
		return nil, nil, err
	}
	return balances, open, nil
}

// Balance returns the sub-balances for one (user, currency) pair.
func (r *LedgerRepository) Balance(userID, currency string) (*models.UserBalance, error) {
	return r.getOrCreate(userID, currency)
}
