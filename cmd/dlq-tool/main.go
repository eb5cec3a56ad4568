// Operator tool for the dead-letter queue: count, inspect, look up, and
// selectively re-inject or purge entries after an outage has resolved.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/config"
	"github.com/opchat/opchat/pkg/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "./cmd/message-worker", "directory holding worker.yaml")
		limit      = flag.Int("limit", 10, "max entries for inspect/republish")
		messageID  = flag.String("id", "", "message ID for the details command")
		maxAge     = flag.Duration("max-age", 24*time.Hour, "age threshold for cleanup")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dlq-tool [flags] count|inspect|details|republish|cleanup")
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.LoadFromFile(*configPath, "worker")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	client, err := broker.Open(&cfg.Broker, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer client.Close()

	dlq := broker.NewDeadLetterManager(client, logger)

	switch command {
	case "count":
		count, err := dlq.Count()
		if err != nil {
			logger.Fatal("count failed", zap.Error(err))
		}
		fmt.Println(count)
	case "inspect":
		entries, err := dlq.Inspect(*limit)
		if err != nil {
			logger.Fatal("inspect failed", zap.Error(err))
		}
		printJSON(entries)
	case "details":
		if *messageID == "" {
			logger.Fatal("details requires -id")
		}
		entry, err := dlq.GetDetails(*messageID)
		if err != nil {
			logger.Fatal("details failed", zap.Error(err))
		}
		printJSON(entry)
	case "republish":
		republished, err := dlq.Republish(*limit)
		if err != nil {
			logger.Fatal("republish failed", zap.Int("republished", republished), zap.Error(err))
		}
		fmt.Printf("republished %d entries\n", republished)
	case "cleanup":
		removed, err := dlq.Cleanup(*maxAge)
		if err != nil {
			logger.Fatal("cleanup failed", zap.Int("removed", removed), zap.Error(err))
		}
		fmt.Printf("removed %d entries\n", removed)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		os.Exit(2)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}
