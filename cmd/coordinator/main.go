// Command coordinator is an example wiring entry point for the
// orchestration core: it loads a CoordinatorConfig, brings up the
// Coordinator Facade and its background loops, and shuts down cleanly on
// SIGINT/SIGTERM.
//
// Grounded on cmd/cliaimonitor/main.go's flag parsing and graceful
// shutdown (signal.Notify + context cancellation) in the wider
// CLIAIMONITOR product.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/config"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/coordinator"
	"github.com/do-ops885/ai-orchestrator-hub-sub003/internal/events"
)

func main() {
	configPath := flag.String("config", "", "path to a coordinator config YAML file (optional; defaults are used if absent)")
	eventDBPath := flag.String("event-db", "", "path to a SQLite file for the durable event store (optional; events are fanned out in-memory only if absent)")
	natsURL := flag.String("nats-url", "", "NATS server URL to bridge the event stream to (optional; no bridge runs if absent)")
	natsSubjectPrefix := flag.String("nats-subject-prefix", "coordinator.events", "subject prefix used when bridging events to NATS")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("[MAIN] load config: %v", err)
		}
		cfg = loaded
	}

	var store *events.Store
	if *eventDBPath != "" {
		s, err := events.OpenStore(*eventDBPath)
		if err != nil {
			logger.Fatalf("[MAIN] open event store: %v", err)
		}
		store = s
		defer store.Close()
	}
	bus := events.NewBus(store, cfg.ResultRetention, logger)

	coord := coordinator.New(cfg, nil, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *natsURL != "" {
		pub, err := events.NewNATSPublisher(*natsURL, *natsSubjectPrefix, logger)
		if err != nil {
			logger.Fatalf("[MAIN] connect nats bridge: %v", err)
		}
		defer pub.Close()
		go events.BridgeToNATS(ctx, bus, pub)
		logger.Printf("[MAIN] bridging events to nats at %s (prefix=%s)", *natsURL, *natsSubjectPrefix)
	}

	coord.Start(ctx)
	logger.Printf("[MAIN] coordinator started (max_agents=%d max_concurrent_tasks=%d)", cfg.MaxAgents, cfg.MaxConcurrentTasks)

	<-ctx.Done()
	logger.Printf("[MAIN] shutdown signal received, draining background loops")
	if err := coord.Shutdown(); err != nil {
		logger.Printf("[MAIN] shutdown: %v", err)
		os.Exit(1)
	}
	logger.Printf("[MAIN] shutdown complete")
}
