package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/logger"
	"checkout-service/internal/metrics"
	"checkout-service/internal/repository"
	"checkout-service/internal/server"
	"checkout-service/internal/service"
	"checkout-service/internal/validation"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Log, cfg.Environment.Name)
	slog.SetDefault(log)

	db, err := client.InitDB(cfg.Database)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}

	rdb := client.NewRedisClient(&cfg.Redis)
	defer rdb.Close()

	providers := client.NewPaymentProviders(cfg)
	if len(providers) == 0 {
		log.Warn("no payment provider configured, online checkout will be rejected")
	}
	m := metrics.New(prometheus.NewRegistry())

	orderRepo := repository.NewOrderRepository(db)
	txRepo := repository.NewPaymentTransactionRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	callbackRepo := repository.NewPaymentCallbackRepository(db)

	reconciler := service.NewReconciler(db, orderRepo, txRepo, outboxRepo, providers, service.ReconcilerOptions{
		ProviderTimeout:    cfg.Payment.ProviderTimeout,
		StatusCheckTimeout: cfg.Payment.StatusCheckTimeout,
		Logger:             log,
		Metrics:            m,
	})

	checkoutService := service.NewCheckoutService(db, reconciler, orderRepo, txRepo, outboxRepo, client.NewCartClient(&cfg.Cart), service.CheckoutOptions{
		Validator: validation.New(),
		Logger:    log,
		Metrics:   m,
	})
	orderService := service.NewOrderService(db, orderRepo, log)
	paymentService := service.NewPaymentService(db, reconciler, orderRepo, txRepo, callbackRepo, providers, log)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(&cfg.JWT, server.Deps{
		CheckoutService: checkoutService,
		OrderService:    orderService,
		PaymentService:  paymentService,
		Blacklist:       client.NewTokenBlacklist(rdb),
		Metrics:         m,
		Logger:          log,
	})

	log.Info("starting HTTP server", "addr", serverAddr)
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}
}
