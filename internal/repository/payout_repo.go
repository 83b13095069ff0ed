package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"payrouter/internal/domain"
	"payrouter/internal/models"
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// Create inserts the payout. The unique index on (user_id, intent_id) is the
// source of truth for intent dedupe: a duplicate insert returns the existing
// payout and domain.ErrStateConflict is never involved.
func (r *PayoutRepository) Create(p *models.Payout) (*models.Payout, bool, error) {
	if err := r.db.Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, gerr := r.GetByUserIntent(p.UserID, p.IntentID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return p, true, nil
}

func (r *PayoutRepository) GetByID(id string) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) GetByUserIntent(userID, intentID string) (*models.Payout, error) {
	var p models.Payout
	err := r.db.Where("user_id = ? AND intent_id = ?", userID, intentID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) GetByExternalID(providerID, externalID string) (*models.Payout, error) {
	var p models.Payout
	err := r.db.Where("provider_id = ? AND external_id = ?", providerID, externalID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) ListByUser(userID string, limit int) ([]models.Payout, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var payouts []models.Payout
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&payouts).Error
	return payouts, err
}

// CountInFlight counts the user's non-terminal payouts in one currency.
func (r *PayoutRepository) CountInFlight(userID, currency string) (int64, error) {
	var n int64
	err := r.db.Model(&models.Payout{}).
		Where("user_id = ? AND currency = ? AND state IN ?", userID, currency, domain.NonTerminalStates()).
		Count(&n).Error
	return n, err
}

// Transition performs the conditional state update that serializes workers:
// the write only lands when the row is still in fromState. The loser of a
// race gets domain.ErrStateConflict and must re-read.
func (r *PayoutRepository) Transition(p *models.Payout, fromState, toState string, updates map[string]interface{}) error {
	if !domain.CanTransition(fromState, toState) {
		return domain.ErrStateConflict
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = toState
	if domain.IsTerminal(toState) {
		now := time.Now().UTC()
		updates["terminal_at"] = &now
	}
	res := r.db.Model(&models.Payout{}).
		Where("id = ? AND state = ?", p.ID, fromState).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStateConflict
	}
	refreshed, err := r.GetByID(p.ID)
	if err != nil {
		return err
	}
	*p = *refreshed
	return nil
}

// AppendAttempt records one provider submission on the payout row. The
// in-memory payout only picks up the new entry once the write succeeded, so
// the attempt count the retry ceiling sees always matches the database.
func (r *PayoutRepository) AppendAttempt(p *models.Payout, a models.Attempt) error {
	attempts := append(p.Attempts, a)
	if err := r.db.Model(p).Update("attempts", attempts).Error; err != nil {
		return err
	}
	p.Attempts = attempts
	return nil
}

// SetOnChainTx fills in a late-arriving hash. It never replaces one.
func (r *PayoutRepository) SetOnChainTx(p *models.Payout, tx string) error {
	if tx == "" || p.OnChainTx != "" {
		return nil
	}
	p.OnChainTx = tx
	return r.db.Model(p).Update("on_chain_tx", tx).Error
}

// ListStale returns payouts sitting in the given states since before cutoff.
// The reconciler's work queue.
func (r *PayoutRepository) ListStale(states []string, cutoff time.Time, limit int) ([]models.Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	var payouts []models.Payout
	err := r.db.Where("state IN ? AND updated_at < ?", states, cutoff).
		Order("updated_at ASC").Limit(limit).Find(&payouts).Error
	return payouts, err
}

// FindSubmittedByDestination matches recently submitted payouts for orphan
// event binding: same provider, destination and amount, submitted within the
// window.
func (r *PayoutRepository) FindSubmittedByDestination(providerID, destination, amount string, since time.Time) ([]models.Payout, error) {
	var payouts []models.Payout
	err := r.db.Where(
		"provider_id = ? AND destination = ? AND net_amount = ? AND state IN ? AND updated_at >= ?",
		providerID, destination, amount,
		[]string{domain.StateSubmitted, domain.StateAccepted}, since,
	).Find(&payouts).Error
	return payouts, err
}

// BindExternalID attaches a provider payout id learned after the fact (orphan
// binding). Refuses to overwrite an existing binding.
func (r *PayoutRepository) BindExternalID(p *models.Payout, externalID string) error {
	if p.HasExternalID() {
		if *p.ExternalID != externalID {
			return domain.ErrStateConflict
		}
		return nil
	}
	res := r.db.Model(&models.Payout{}).
		Where("id = ? AND external_id IS NULL", p.ID).
		Update("external_id", externalID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStateConflict
	}
	p.ExternalID = &externalID
	return nil
}
