package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/logger"
	"checkout-service/internal/metrics"
	"checkout-service/internal/repository"
	"checkout-service/internal/service"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// outbox-relay drains the outbox table into RabbitMQ. Run one or more next
// to the API; Claim keeps replicas from publishing the same row twice.
func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Log, cfg.Environment.Name).With("component", "outbox-relay")
	slog.SetDefault(log)

	db, err := client.InitDB(cfg.Database)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}

	publisher, err := client.NewRabbitPublisher(&cfg.RabbitMQ)
	if err != nil {
		log.Error("rabbitmq init failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	relay := service.NewOutboxRelay(repository.NewOutboxRepository(db), publisher, service.RelayOptions{
		BatchSize:  cfg.Outbox.BatchSize,
		MaxRetries: cfg.Outbox.MaxRetries,
		ClaimLease: cfg.Outbox.ClaimLease,
		Logger:     log,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("outbox relay started", "interval", cfg.Outbox.PollInterval, "exchange", cfg.RabbitMQ.Exchange)
	if err := relay.Run(ctx, cfg.Outbox.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("outbox relay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("outbox relay stopped")
}
