package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/config"
	"github.com/opchat/opchat/pkg/gateway"
	"github.com/opchat/opchat/pkg/health"
	"github.com/opchat/opchat/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadFromFile("./cmd/ws-gateway", "gateway")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	client, err := broker.Open(&cfg.Broker, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer client.Close()

	instanceID := cfg.Gateway.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	registry := gateway.NewRegistry(logger)
	consumer := gateway.NewConsumer(client, registry, instanceID, cfg.Gateway.Prefetch, logger)

	// Health endpoints for the orchestrator's liveness/readiness probes.
	dlq := broker.NewDeadLetterManager(client, logger)
	checker := health.NewChecker(client, dlq,
		cfg.Health.DLQUnhealthyDepth, cfg.Health.DLQNotReadyDepth, logger)
	healthServer := &http.Server{Addr: cfg.Health.Addr, Handler: checker.Router()}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server stopped", zap.Error(err))
		}
	}()

	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigterm
		logger.Info("Received shutdown signal", zap.String("signal", s.String()))
		cancel()
	}()

	logger.Info("Gateway consumer starting", zap.String("instance_id", instanceID))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Gateway consumer stopped with error", zap.Error(err))
	}

	if err := healthServer.Shutdown(context.Background()); err != nil {
		logger.Warn("Health server shutdown failed", zap.Error(err))
	}
	logger.Info("Gateway shut down")
}
