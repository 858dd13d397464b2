package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/config"
	"tokenpulse/internal/pricing"
	"tokenpulse/internal/queue"
	"tokenpulse/internal/quotes"
	"tokenpulse/internal/repository"
	"tokenpulse/internal/scheduler"
	"tokenpulse/internal/tokens"
)

// Bans one or more mints and dismantles their tracking: repeating job,
// cached quotes, stored metadata. The ban expires after 24h, after which
// the mint can be enrolled again.
//
// Usage: purge_token <mint> [<mint> ...]
func main() {
	flag.Parse()

	mints := flag.Args()
	if len(mints) == 0 {
		log.Fatal("usage: purge_token <mint> [<mint> ...]")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to DB: %v", err)
	}
	defer repo.Close()

	store, err := cache.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer store.Close()

	chainClient := chain.NewClient(cfg.RPCEndpoint(), store)
	agg := quotes.NewAggregator(cfg.AggregatorURL, cfg.QuoteCacheTTL, cfg.Venues, store)
	amm := quotes.NewAmmAPI(cfg.AmmAPIURL, cfg.QuoteCacheTTL, store)
	validator := tokens.NewValidator(chainClient, repo, store)
	engine := pricing.NewEngine(chainClient, validator, agg, amm, repo, store)
	sched := scheduler.NewScheduler(queue.NewQueue(store.Client()), engine, validator, repo, store, cfg.PollInterval, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed := 0
	for _, mint := range mints {
		if err := sched.BanAndRemove(ctx, mint); err != nil {
			log.Printf("[purge_token] %s failed: %v", mint, err)
			failed++
			continue
		}
		log.Printf("[purge_token] %s banned and removed", mint)
	}

	if failed > 0 {
		log.Fatalf("[purge_token] %d of %d mint(s) failed", failed, len(mints))
	}
}
