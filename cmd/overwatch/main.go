package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/constellation-overwatch/overwatch-isr/internal/config"
	"github.com/constellation-overwatch/overwatch-isr/internal/orchestrator"
)

func main() {
	log.Printf("Overwatch ISR tracking service starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded")
	log.Printf("  NATS URL: %s", cfg.NatsURL)
	log.Printf("  Organization: %s", cfg.OrganizationID)
	log.Printf("  Entities: %v", cfg.EntityIDs)
	log.Printf("  Detection mode: %s (%s)", cfg.DetectionMode, cfg.Profile.Description)
	log.Printf("  State store: %s", cfg.KV.Backend)

	orch := orchestrator.NewOrchestrator(cfg)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orch.Run(ctx); err != nil {
			log.Printf("Orchestrator error: %v", err)
		}
	}()

	select {
	case <-sigChan:
		log.Printf("Shutdown signal received...")
	case <-done:
		log.Printf("Orchestrator exited")
	}

	cancel()
	// Sessions publish their shutdown events before the connection closes
	<-done

	if err := orch.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Printf("Overwatch ISR stopped successfully")
}
