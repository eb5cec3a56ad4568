package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/config"
	"github.com/opchat/opchat/pkg/processor"
	"github.com/opchat/opchat/pkg/store"
	"github.com/opchat/opchat/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/message-worker", "worker")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	// Initialize the message store
	messageStore, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize message store", zap.Error(err))
	}

	// Connect to the broker; this also declares the pipeline topology
	client, err := broker.Open(&cfg.Broker, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer client.Close()

	worker := processor.NewWorker(messageStore, client, cfg, logger)

	// Stop consuming on SIGINT/SIGTERM; the consume loop resolves the
	// in-flight delivery before exiting.
	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigterm
		logger.Info("Received shutdown signal", zap.String("signal", s.String()))
		cancel()
	}()

	if err := worker.Run(ctx, client, cfg.Worker.Prefetch); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Worker stopped with error", zap.Error(err))
	}
	logger.Info("Message worker shut down")
}
