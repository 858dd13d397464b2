package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenpulse/internal/api"
	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/config"
	"tokenpulse/internal/hub"
	"tokenpulse/internal/pricing"
	"tokenpulse/internal/queue"
	"tokenpulse/internal/quotes"
	"tokenpulse/internal/repository"
	"tokenpulse/internal/risk"
	"tokenpulse/internal/scheduler"
	"tokenpulse/internal/tokens"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redacted := cfg.Redacted()
	log.Println("Initializing TokenPulse...")
	log.Printf("DB: %s", redacted.DatabaseURL)
	log.Printf("Redis: %s", redacted.RedisURL)
	log.Printf("Chain RPC: %s", redacted.ChainRPCURL)
	log.Printf("API Port: %d", cfg.Port)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if cfg.SkipMigration {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		// Idle connections left by previous instances can hold locks that
		// block DDL.
		terminated, termErr := repo.TerminateIdleConnections(context.Background())
		if termErr != nil {
			log.Printf("Warning: failed to terminate idle connections: %v", termErr)
		} else if terminated > 0 {
			log.Printf("Terminated %d idle connection(s) before migration", terminated)
		}

		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	store, err := cache.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	chainClient := chain.NewClient(cfg.RPCEndpoint(), store)

	// 3. Services
	agg := quotes.NewAggregator(cfg.AggregatorURL, cfg.QuoteCacheTTL, cfg.Venues, store)
	amm := quotes.NewAmmAPI(cfg.AmmAPIURL, cfg.QuoteCacheTTL, store)
	scorer := risk.NewScorer(cfg.RiskAPIURL, store)
	validator := tokens.NewValidator(chainClient, repo, store)
	engine := pricing.NewEngine(chainClient, validator, agg, amm, repo, store)

	jobQueue := queue.NewQueue(store.Client())
	sched := scheduler.NewScheduler(jobQueue, engine, validator, repo, store, cfg.PollInterval, cfg.WorkerCount)
	wsHub := hub.NewHub(validator, engine, sched, store)

	api.BuildCommit = BuildCommit
	apiServer := api.NewServer(repo, store, chainClient, scorer, sched, wsHub.HandleWS, cfg)

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	if err := wsHub.Start(ctx); err != nil {
		log.Fatalf("Failed to start broadcast hub: %v", err)
	}

	// Re-enrol every tracked mint so price updates resume without waiting
	// for a subscriber to reconnect. Runs in the background because it
	// batch-fetches quotes for the whole active set.
	go func() {
		if err := sched.Bootstrap(ctx); err != nil {
			log.Printf("Bootstrap failed: %v", err)
		}
	}()

	// Handle SIGINT/SIGTERM — will block on sigChan at end of main()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		log.Printf("Starting API Server on :%d", cfg.Port)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")

	// In-flight update jobs stay claimed in Redis; the stalled-job sweep
	// reschedules them on the next start.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	cancel()
}
