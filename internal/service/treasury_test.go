package service_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"payrouter/config"
	"payrouter/internal/domain"
	"payrouter/internal/service"
)

func TestSelectTreasuryRouting(t *testing.T) {
	cfg := config.Default()

	cases := []struct {
		name           string
		amount         string
		classification string
		want           string
	}{
		{"winnings go fast", "2500", domain.ClassWinnings, "t-fast"},
		{"small amounts go fast", "50", domain.ClassStandard, "t-fast"},
		{"small boundary goes fast", "100", domain.ClassStandard, "t-fast"},
		{"savings go bulk", "2500", domain.ClassSavings, "t-bulk"},
		{"large amounts go bulk", "20000", domain.ClassStandard, "t-bulk"},
		{"large boundary goes bulk", "10000", domain.ClassStandard, "t-bulk"},
		{"mid-size standard goes main", "2500", domain.ClassStandard, "t-main"},
		{"winnings beat mid size", "3000", domain.ClassWinnings, "t-fast"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := service.SelectTreasury(cfg, decimal.RequireFromString(tc.amount), "DOGE", tc.classification)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if got.TreasuryID != tc.want {
				t.Fatalf("treasury = %s, want %s", got.TreasuryID, tc.want)
			}
		})
	}
}

func TestSelectTreasuryFallsBackAcrossTags(t *testing.T) {
	cfg := config.Default()
	// Winnings prefer the fast treasury, but 20000 exceeds its max. Any
	// treasury that can fund the amount beats rejecting the payout; the
	// fallback walks all tags and priority picks t-main.
	got, err := service.SelectTreasury(cfg, decimal.NewFromInt(20000), "DOGE", domain.ClassWinnings)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.TreasuryID != "t-main" {
		t.Fatalf("treasury = %s, want t-main", got.TreasuryID)
	}
}

func TestSelectTreasuryNoneEligible(t *testing.T) {
	cfg := config.Default()
	cfg.Treasuries = []config.TreasuryConfig{
		{TreasuryID: "t-trx-only", Priority: 1, Tag: domain.TreasuryTagMain, Currencies: []string{"TRX"}},
	}
	_, err := service.SelectTreasury(cfg, decimal.NewFromInt(500), "DOGE", domain.ClassStandard)
	if !errors.Is(err, domain.ErrNoEligibleTreasury) {
		t.Fatalf("err = %v, want ErrNoEligibleTreasury", err)
	}
}

func TestSelectTreasuryTieBreaksDeterministically(t *testing.T) {
	cfg := config.Default()
	cfg.Treasuries = []config.TreasuryConfig{
		{TreasuryID: "t-b", Priority: 1, Tag: domain.TreasuryTagMain, Currencies: []string{"DOGE"}},
		{TreasuryID: "t-a", Priority: 1, Tag: domain.TreasuryTagMain, Currencies: []string{"DOGE"}},
	}
	got, err := service.SelectTreasury(cfg, decimal.NewFromInt(500), "DOGE", domain.ClassStandard)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.TreasuryID != "t-a" {
		t.Fatalf("tie broke to %s, want t-a", got.TreasuryID)
	}
}
