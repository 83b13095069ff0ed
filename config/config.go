package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
)

// Config is one immutable policy snapshot. A payout keeps the snapshot it was
// created under even if the document is reloaded mid-flight.
type Config struct {
	Server     ServerConfig              `json:"server"`
	Database   DatabaseConfig            `json:"-"`
	Currencies map[string]CurrencyConfig `json:"currencies"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Treasuries []TreasuryConfig          `json:"treasuries"`
	Routing    RoutingConfig             `json:"routing"`
	Retry      RetryConfig               `json:"retry"`
	Reconciler ReconcilerConfig          `json:"reconciler"`
	Ledger     LedgerConfig              `json:"ledger"`

	// MaxInFlight caps non-terminal payouts per user per currency.
	MaxInFlight int `json:"max_in_flight"`

	// AdminToken gates the administrative routes. Env only.
	AdminToken string `json:"-"`

	addressRegexps map[string]*regexp.Regexp
}

type ServerConfig struct {
	Port         string        `json:"port"`
	Env          string        `json:"env"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type CurrencyConfig struct {
	Scale         int32           `json:"scale"`
	RoundingMode  string          `json:"rounding_mode"` // "down" (default) or "half_even"
	MinWithdrawal decimal.Decimal `json:"min_withdrawal"`
	AddressRegex  string          `json:"address_regex"`
}

type ProviderCapabilities struct {
	Idempotency bool `json:"idempotency"`
	Batch       bool `json:"batch"`
	StatusQuery bool `json:"status_query"`
	Webhook     bool `json:"webhook"`
}

type BreakerConfig struct {
	ConsecFailures int `json:"consec_failures"`
	CooldownMs     int `json:"cooldown_ms"`
}

type ProviderConfig struct {
	Supports     []string             `json:"supports"`
	Capabilities ProviderCapabilities `json:"capabilities"`
	Rate         float64              `json:"rate"` // tokens per second
	Burst        int                  `json:"burst"`
	TimeoutMs    int                  `json:"timeout_ms"`
	Breaker      BreakerConfig        `json:"breaker"`
}

func (p ProviderConfig) SupportsCurrency(currency string) bool {
	for _, c := range p.Supports {
		if c == currency {
			return true
		}
	}
	return false
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

type TreasuryConfig struct {
	TreasuryID string          `json:"treasury_id"`
	Priority   int             `json:"priority"`
	Tag        string          `json:"tag"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	MaxAmount  decimal.Decimal `json:"max_amount"`
	Currencies []string        `json:"currencies"`
}

func (t TreasuryConfig) SupportsCurrency(currency string) bool {
	for _, c := range t.Currencies {
		if c == currency {
			return true
		}
	}
	return false
}

type RoutingConfig struct {
	SmallThreshold decimal.Decimal `json:"small_threshold"`
	LargeThreshold decimal.Decimal `json:"large_threshold"`
}

type RetryConfig struct {
	BaseMs      int `json:"base_ms"`
	CapMs       int `json:"cap_ms"`
	MaxAttempts int `json:"max_attempts"`
}

func (r RetryConfig) Base() time.Duration { return time.Duration(r.BaseMs) * time.Millisecond }
func (r RetryConfig) Cap() time.Duration  { return time.Duration(r.CapMs) * time.Millisecond }

type ReconcilerConfig struct {
	IntervalMs int `json:"interval_ms"`
	GraceMs    int `json:"grace_ms"`
	// OrphanQuarantineMs is how long an unmapped callback event may stay
	// unresolved before it is quarantined.
	OrphanQuarantineMs int `json:"orphan_quarantine_ms"`
}

func (r ReconcilerConfig) Interval() time.Duration { return time.Duration(r.IntervalMs) * time.Millisecond }
func (r ReconcilerConfig) Grace() time.Duration    { return time.Duration(r.GraceMs) * time.Millisecond }
func (r ReconcilerConfig) OrphanQuarantine() time.Duration {
	return time.Duration(r.OrphanQuarantineMs) * time.Millisecond
}

type LedgerConfig struct {
	MaxCASRetries int `json:"max_cas_retries"`
}

// Default returns the compiled-in policy covering DOGE, TRX and USDT-TRC20.
// A config document overrides it section by section.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8085",
			Env:          "development",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Currencies: map[string]CurrencyConfig{
			"DOGE": {
				Scale:         8,
				MinWithdrawal: decimal.NewFromInt(10),
				AddressRegex:  `^D[1-9A-HJ-NP-Za-km-z]{25,33}$`,
			},
			"TRX": {
				Scale:         6,
				MinWithdrawal: decimal.NewFromInt(20),
				AddressRegex:  `^T[1-9A-HJ-NP-Za-km-z]{33}$`,
			},
			"USDTTRC20": {
				Scale:         6,
				MinWithdrawal: decimal.NewFromInt(5),
				AddressRegex:  `^T[1-9A-HJ-NP-Za-km-z]{33}$`,
			},
		},
		Providers: map[string]ProviderConfig{
			"nowpayments": {
				Supports: []string{"DOGE", "TRX", "USDTTRC20"},
				Capabilities: ProviderCapabilities{
					Idempotency: true, Batch: true, StatusQuery: true, Webhook: true,
				},
				Rate:      5,
				Burst:     10,
				TimeoutMs: 30000,
				Breaker:   BreakerConfig{ConsecFailures: 5, CooldownMs: 60000},
			},
			"coinpayments": {
				Supports: []string{"DOGE", "TRX"},
				Capabilities: ProviderCapabilities{
					Idempotency: false, Batch: false, StatusQuery: true, Webhook: true,
				},
				Rate:      2,
				Burst:     5,
				TimeoutMs: 30000,
				Breaker:   BreakerConfig{ConsecFailures: 5, CooldownMs: 60000},
			},
		},
		Treasuries: []TreasuryConfig{
			{
				TreasuryID: "t-fast", Priority: 1, Tag: "fast",
				MinAmount: decimal.Zero, MaxAmount: decimal.NewFromInt(5000),
				Currencies: []string{"DOGE", "TRX", "USDTTRC20"},
			},
			{
				TreasuryID: "t-main", Priority: 2, Tag: "main",
				MinAmount: decimal.Zero, MaxAmount: decimal.NewFromInt(50000),
				Currencies: []string{"DOGE", "TRX", "USDTTRC20"},
			},
			{
				TreasuryID: "t-bulk", Priority: 3, Tag: "bulk",
				MinAmount: decimal.Zero, MaxAmount: decimal.NewFromInt(1000000),
				Currencies: []string{"DOGE", "TRX", "USDTTRC20"},
			},
		},
		Routing: RoutingConfig{
			SmallThreshold: decimal.NewFromInt(100),
			LargeThreshold: decimal.NewFromInt(10000),
		},
		Retry: RetryConfig{
			BaseMs:      2000,
			CapMs:       300000,
			MaxAttempts: 6,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs:         60000,
			GraceMs:            30000,
			OrphanQuarantineMs: int((24 * time.Hour).Milliseconds()),
		},
		Ledger:      LedgerConfig{MaxCASRetries: 5},
		MaxInFlight: 3,
	}
}

// Load builds a snapshot from the document at path (optional) plus the
// environment. Only credentials and the DSN come from env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config document: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config document: %w", err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	cfg.Database.DSN = os.Getenv("DATABASE_DSN")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Compile builds the per-currency address validators. Load calls it; tests
// that assemble a Config by hand must call it themselves.
func (c *Config) Compile() error {
	c.addressRegexps = make(map[string]*regexp.Regexp, len(c.Currencies))
	for code, cur := range c.Currencies {
		if cur.AddressRegex == "" {
			continue
		}
		re, err := regexp.Compile(cur.AddressRegex)
		if err != nil {
			return fmt.Errorf("currencies[%s].address_regex: %w", code, err)
		}
		c.addressRegexps[code] = re
	}
	return nil
}

// ValidAddress applies the currency's syntactic validator. Currencies without
// a configured pattern accept any non-empty address.
func (c *Config) ValidAddress(currency, address string) bool {
	if address == "" {
		return false
	}
	re, ok := c.addressRegexps[currency]
	if !ok {
		return true
	}
	return re.MatchString(address)
}

// Round normalizes amount to the currency's scale and rounding mode.
func (c *Config) Round(currency string, amount decimal.Decimal) decimal.Decimal {
	cur, ok := c.Currencies[currency]
	if !ok {
		return amount
	}
	if cur.RoundingMode == "half_even" {
		return amount.RoundBank(cur.Scale)
	}
	return amount.RoundDown(cur.Scale)
}

// Store hands out the current snapshot and supports runtime reload.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s
}

// Snapshot returns the current config. The returned value is never mutated.
func (s *Store) Snapshot() *Config {
	return s.cur.Load()
}

// Reload re-reads the document; the previous snapshot stays valid for any
// payout already running under it.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// WatchReload reloads the document on SIGHUP until the process exits.
func (s *Store) WatchReload() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			if err := s.Reload(); err != nil {
				log.Printf("[Config] reload failed, keeping previous snapshot: %v", err)
				continue
			}
			log.Printf("[Config] reloaded from %s", s.path)
		}
	}()
}
