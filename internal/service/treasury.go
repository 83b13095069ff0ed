package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"payrouter/config"
	"payrouter/internal/domain"
)

// SelectTreasury picks the funding treasury for one payout. Stateless and
// re-callable; it never touches the ledger.
//
// Default routing: winnings or small amounts go to the fast treasury, savings
// or large amounts to the bulk treasury, everything else to main. Ties break
// on lowest priority number, then treasury_id.
func SelectTreasury(cfg *config.Config, amount decimal.Decimal, currency, classification string) (config.TreasuryConfig, error) {
	tag := domain.TreasuryTagMain
	switch {
	case classification == domain.ClassWinnings || amount.LessThanOrEqual(cfg.Routing.SmallThreshold):
		tag = domain.TreasuryTagFast
	case classification == domain.ClassSavings || amount.GreaterThanOrEqual(cfg.Routing.LargeThreshold):
		tag = domain.TreasuryTagBulk
	}

	eligible := filterTreasuries(cfg.Treasuries, amount, currency, tag)
	if len(eligible) == 0 {
		// No treasury under the preferred tag; any treasury that can
		// fund the amount beats rejecting the payout.
		eligible = filterTreasuries(cfg.Treasuries, amount, currency, "")
	}
	if len(eligible) == 0 {
		return config.TreasuryConfig{}, domain.ErrNoEligibleTreasury
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].TreasuryID < eligible[j].TreasuryID
	})
	return eligible[0], nil
}

func filterTreasuries(all []config.TreasuryConfig, amount decimal.Decimal, currency, tag string) []config.TreasuryConfig {
	var out []config.TreasuryConfig
	for _, t := range all {
		if tag != "" && t.Tag != tag {
			continue
		}
		if !t.SupportsCurrency(currency) {
			continue
		}
		if amount.LessThan(t.MinAmount) {
			continue
		}
		if t.MaxAmount.Sign() > 0 && amount.GreaterThan(t.MaxAmount) {
			continue
		}
		out = append(out, t)
	}
	return out
}
