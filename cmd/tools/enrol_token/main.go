package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/config"
	"tokenpulse/internal/models"
	"tokenpulse/internal/pricing"
	"tokenpulse/internal/queue"
	"tokenpulse/internal/quotes"
	"tokenpulse/internal/repository"
	"tokenpulse/internal/scheduler"
	"tokenpulse/internal/tokens"
)

// Enrols one or more mints for repeating price updates. The schedule is
// written to the shared Redis queue, so a running service instance picks
// the jobs up within its claim interval.
//
// Usage: enrol_token [-update] <mint> [<mint> ...]
func main() {
	var runUpdate bool
	flag.BoolVar(&runUpdate, "update", false, "run one immediate price update per mint and print the result")
	flag.Parse()

	mints := flag.Args()
	if len(mints) == 0 {
		log.Fatal("usage: enrol_token [-update] <mint> [<mint> ...]")
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

	enrolled := make([]string, 0, len(mints))
	for _, mint := range mints {
		if err := sched.Enrol(ctx, mint); err != nil {
			if models.IsInvalidMint(err) {
				log.Printf("[enrol_token] %s rejected: %v", mint, err)
			} else {
				log.Printf("[enrol_token] %s failed: %v", mint, err)
			}
			continue
		}
		log.Printf("[enrol_token] %s enrolled (period %s)", mint, cfg.PollInterval)
		enrolled = append(enrolled, mint)
	}

	if runUpdate && len(enrolled) > 0 {
		log.Printf("[enrol_token] running immediate update for %d mint(s)", len(enrolled))
		for mint, err := range engine.BatchUpdate(ctx, enrolled) {
			if err != nil {
				log.Printf("[enrol_token] update %s failed: %v", mint, err)
				continue
			}
			snap, err := engine.CurrentOf(ctx, mint)
			if err != nil || snap == nil {
				log.Printf("[enrol_token] update %s stored, no snapshot readable: %v", mint, err)
				continue
			}
			log.Printf("[enrol_token] %s price=%.10f USD mcap=%.2f", mint, snap.PriceUSD, snap.MarketCap)
		}
	}

	if len(enrolled) < len(mints) {
		log.Fatalf("[enrol_token] enrolled %d of %d mint(s)", len(enrolled), len(mints))
	}
}
