package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"payrouter/config"
	"payrouter/internal/handler"
	"payrouter/internal/middleware"
	"payrouter/internal/repository"
	"payrouter/internal/service"
	"payrouter/pkg/provider"
)

// Setup wires repositories, services and handlers. It returns the engine and
// the reconciler; the caller owns both lifecycles.
func Setup(cfgStore *config.Store, db *gorm.DB, registry *provider.Registry) (*gin.Engine, *service.Reconciler) {
	cfg := cfgStore.Snapshot()
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit(middleware.NewInMemoryRateLimiter(100, 60*time.Second)))

	ledgerRepo := repository.NewLedgerRepository(db, cfg.Ledger.MaxCASRetries)
	payoutRepo := repository.NewPayoutRepository(db)
	eventRepo := repository.NewEventRepository(db)

	payoutSvc := service.NewPayoutService(cfgStore, ledgerRepo, payoutRepo, eventRepo, registry)
	reconciler := service.NewReconciler(cfgStore, payoutSvc, payoutRepo, eventRepo, registry)

	payoutHandler := handler.NewPayoutHandler(payoutSvc)
	webhookHandler := handler.NewWebhookHandler(payoutSvc)
	adminHandler := handler.NewAdminHandler(ledgerRepo)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/payouts", payoutHandler.Create)
	r.GET("/payouts", payoutHandler.List)
	r.GET("/payouts/:id", payoutHandler.Get)
	r.POST("/payouts/:id/cancel", payoutHandler.Cancel)
	r.POST("/webhooks/:provider", webhookHandler.Handle)

	admin := r.Group("/admin", middleware.ServiceToken(cfg.AdminToken))
	{
		admin.POST("/credits", adminHandler.Credit)
		admin.GET("/balances/:user_id", adminHandler.Balances)
	}

	return r, reconciler
}

// BuildRegistry assembles the provider adapter set from the config snapshot
// and the environment credentials.
func BuildRegistry(cfg *config.Config, creds Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for id, pc := range cfg.Providers {
		var adapter provider.Adapter
		switch id {
		case "nowpayments":
			adapter = provider.NewNOWPaymentsAdapter(
				creds.NOWPaymentsBaseURL, creds.NOWPaymentsAPIKey,
				creds.NOWPaymentsEmail, creds.NOWPaymentsPassword,
				creds.NOWPaymentsIPNSecret, pc.Supports, pc.Timeout(),
			)
		case "coinpayments":
			adapter = provider.NewCoinPaymentsAdapter(
				creds.CoinPaymentsBaseURL, creds.CoinPaymentsPublicKey,
				creds.CoinPaymentsPrivateKey, creds.CoinPaymentsIPNSecret,
				creds.CoinPaymentsMerchantID, pc.Supports, pc.Timeout(),
			)
		case "stub":
			adapter = provider.NewStubAdapter("stub", creds.StubSecret, pc.Supports)
		default:
			continue
		}
		registry.Register(adapter, pc.Rate, pc.Burst,
			provider.NewBreaker(pc.Breaker.ConsecFailures, time.Duration(pc.Breaker.CooldownMs)*time.Millisecond))
	}
	return registry
}

// Credentials holds the provider secrets consumed from the environment.
type Credentials struct {
	NOWPaymentsBaseURL     string
	NOWPaymentsAPIKey      string
	NOWPaymentsEmail       string
	NOWPaymentsPassword    string
	NOWPaymentsIPNSecret   string
	CoinPaymentsBaseURL    string
	CoinPaymentsPublicKey  string
	CoinPaymentsPrivateKey string
	CoinPaymentsIPNSecret  string
	CoinPaymentsMerchantID string
	StubSecret             string
}
