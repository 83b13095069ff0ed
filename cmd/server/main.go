package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"payrouter/config"
	"payrouter/internal/database"
	"payrouter/internal/router"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CPR_CONFIG")
	if cfgPath == "" {
		if _, err := os.Stat("config.json"); err == nil {
			cfgPath = "config.json"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfgStore := config.NewStore(cfgPath, cfg)
	cfgStore.WatchReload()

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	registry := router.BuildRegistry(cfg, router.Credentials{
		NOWPaymentsBaseURL:     os.Getenv("NOWPAYMENTS_BASE_URL"),
		NOWPaymentsAPIKey:      os.Getenv("NOWPAYMENTS_API_KEY"),
		NOWPaymentsEmail:       os.Getenv("NOWPAYMENTS_EMAIL"),
		NOWPaymentsPassword:    os.Getenv("NOWPAYMENTS_PASSWORD"),
		NOWPaymentsIPNSecret:   os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		CoinPaymentsBaseURL:    os.Getenv("COINPAYMENTS_BASE_URL"),
		CoinPaymentsPublicKey:  os.Getenv("COINPAYMENTS_PUBLIC_KEY"),
		CoinPaymentsPrivateKey: os.Getenv("COINPAYMENTS_PRIVATE_KEY"),
		CoinPaymentsIPNSecret:  os.Getenv("COINPAYMENTS_IPN_SECRET"),
		CoinPaymentsMerchantID: os.Getenv("COINPAYMENTS_MERCHANT_ID"),
		StubSecret:             os.Getenv("STUB_PROVIDER_SECRET"),
	})

	engine, reconciler := router.Setup(cfgStore, db, registry)
	if err := reconciler.Start(); err != nil {
		log.Fatalf("reconciler: %v", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	reconciler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown: %v", err)
	}
	log.Println("server stopped")
}
