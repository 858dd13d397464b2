// Package pricing composes quotes, supply and pool reserves into
// PriceSnapshots, persists them and publishes them for fan-out.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/models"
	"tokenpulse/internal/quotes"

	"github.com/gagliardetto/solana-go"
)

const (
	nativePriceTTL = 5 * time.Second
	nativeUsdTTL   = 30 * time.Second

	// minPoolDepthUsd rejects dust pools when deriving a price from
	// on-chain reserves.
	minPoolDepthUsd = 1000

	// nativeUsdFallback keeps pricing alive when both the aggregator and
	// the native/stable pool are unreachable. Deliberately conservative;
	// upstream failure metrics spike long before this matters.
	nativeUsdFallback = 150.0
)

// ChainReader is the chain surface the engine prices from.
type ChainReader interface {
	ReadSupply(ctx context.Context, mint string) (uint64, uint8, error)
	FindPoolsForPair(ctx context.Context, a, b string) ([]chain.PoolInfo, error)
	ReadPoolReserves(ctx context.Context, pool solana.PublicKey, tokenMint string) (*chain.PoolReserves, error)
}

// MintValidator guards updates.
type MintValidator interface {
	Validate(ctx context.Context, mint string) (bool, string, error)
	ValidateBatch(ctx context.Context, mints []string) (valid, invalid []string)
}

// Store is the persistence surface of the engine.
type Store interface {
	SaveSnapshot(ctx context.Context, snap models.PriceSnapshot) error
	GetLatest(ctx context.Context, mint string) (*models.PriceSnapshot, error)
}

// Cache is the slice of the cache store the engine uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Engine struct {
	chain     ChainReader
	validator MintValidator
	agg       quotes.Source
	amm       quotes.Source
	repo      Store
	cache     Cache
}

func NewEngine(chainReader ChainReader, validator MintValidator, agg, amm quotes.Source, repo Store, store Cache) *Engine {
	return &Engine{
		chain:     chainReader,
		validator: validator,
		agg:       agg,
		amm:       amm,
		repo:      repo,
		cache:     store,
	}
}

// PriceOf composes a full snapshot for a mint: supply, native-denominated
// price and the native coin's USD price are fetched in parallel.
func (e *Engine) PriceOf(ctx context.Context, mint string) (*models.PriceSnapshot, error) {
	var (
		wg          sync.WaitGroup
		supplyRaw   uint64
		decimals    uint8
		supplyErr   error
		priceNative float64
		priceErr    error
		nativeUsd   float64
		usdErr      error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		supplyRaw, decimals, supplyErr = e.chain.ReadSupply(ctx, mint)
	}()
	go func() {
		defer wg.Done()
		priceNative, priceErr = e.NativePriceForMint(ctx, mint)
	}()
	go func() {
		defer wg.Done()
		nativeUsd, usdErr = e.NativeUsdPrice(ctx)
	}()
	wg.Wait()

	if supplyErr != nil {
		return nil, fmt.Errorf("read supply for %s: %w", mint, supplyErr)
	}
	if priceErr != nil {
		return nil, fmt.Errorf("native price for %s: %w", mint, priceErr)
	}
	if usdErr != nil {
		return nil, fmt.Errorf("native usd price: %w", usdErr)
	}

	supply := float64(supplyRaw) / math.Pow10(int(decimals))
	priceUsd := priceNative * nativeUsd
	return &models.PriceSnapshot{
		Mint:        mint,
		PriceUSD:    priceUsd,
		PriceNative: priceNative,
		MarketCap:   priceUsd * supply,
		TotalSupply: supply,
		AsOf:        time.Now().UTC(),
	}, nil
}

// NativePriceForMint returns the mint's price denominated in the native
// coin. Dispatch order: identity for the native mint, aggregator, AMM
// API, then a direct read of the deepest on-chain pool.
func (e *Engine) NativePriceForMint(ctx context.Context, mint string) (float64, error) {
	if mint == chain.NativeMint.String() {
		return 1, nil
	}

	key := cache.KeyPriceNative(mint)
	if data, err := e.cache.Get(ctx, key); err == nil && data != nil {
		if price, err := strconv.ParseFloat(string(data), 64); err == nil && price > 0 {
			return price, nil
		}
	}

	price, err := e.nativePriceFromSources(ctx, mint)
	if err != nil {
		return 0, err
	}

	if err := e.cache.SetTTL(ctx, key, []byte(formatFloat(price)), nativePriceTTL); err != nil {
		log.Printf("[pricing] failed to cache native price for %s: %v", mint, err)
	}
	return price, nil
}

func (e *Engine) nativePriceFromSources(ctx context.Context, mint string) (float64, error) {
	if price, ok := e.priceFromQuote(ctx, e.agg, mint); ok {
		return price, nil
	}
	if price, ok := e.priceFromQuote(ctx, e.amm, mint); ok {
		return price, nil
	}
	if price, ok := e.priceFromPools(ctx, mint); ok {
		return price, nil
	}
	return 0, fmt.Errorf("no usable price source for %s", mint)
}

// priceFromQuote asks one provider, deriving priceNative from priceUsd
// when the provider only knows the dollar side.
func (e *Engine) priceFromQuote(ctx context.Context, src quotes.Source, mint string) (float64, bool) {
	q, err := src.SingleQuote(ctx, mint)
	if err != nil {
		log.Printf("[pricing] %s quote for %s: %v", src.Name(), mint, err)
		return 0, false
	}
	if q == nil {
		return 0, false
	}
	if q.PriceNative > 0 {
		return q.PriceNative, true
	}
	if q.PriceUSD > 0 {
		nativeUsd, err := e.NativeUsdPrice(ctx)
		if err != nil || nativeUsd <= 0 {
			return 0, false
		}
		return q.PriceUSD / nativeUsd, true
	}
	return 0, false
}

// priceFromPools derives the price from the deepest (mint, native) pool,
// rejecting pools below the USD depth floor.
func (e *Engine) priceFromPools(ctx context.Context, mint string) (float64, bool) {
	pools, err := e.chain.FindPoolsForPair(ctx, mint, chain.NativeMint.String())
	if err != nil {
		log.Printf("[pricing] pool scan for %s: %v", mint, err)
		return 0, false
	}
	if len(pools) == 0 {
		return 0, false
	}

	nativeUsd, err := e.NativeUsdPrice(ctx)
	if err != nil || nativeUsd <= 0 {
		return 0, false
	}

	var (
		bestPrice float64
		bestDepth float64
		found     bool
	)
	for _, pool := range pools {
		reserves, err := e.chain.ReadPoolReserves(ctx, pool.Address, mint)
		if err != nil {
			log.Printf("[pricing] reserves of pool %s: %v", pool.Address, err)
			continue
		}
		depth := reserves.QuoteReserveUI() * nativeUsd
		if depth < minPoolDepthUsd {
			continue
		}
		if !found || depth > bestDepth {
			bestPrice = reserves.Price()
			bestDepth = depth
			found = true
		}
	}
	if !found || bestPrice <= 0 {
		return 0, false
	}
	return bestPrice, true
}

// NativeUsdPrice returns the USD price of the native coin, cached for
// 30 seconds: aggregator first, then the native/stable pool, then the
// documented fallback constant.
func (e *Engine) NativeUsdPrice(ctx context.Context) (float64, error) {
	if data, err := e.cache.Get(ctx, cache.KeyNativeUSD); err == nil && data != nil {
		if price, err := strconv.ParseFloat(string(data), 64); err == nil && price > 0 {
			return price, nil
		}
	}

	price := e.nativeUsdFromSources(ctx)
	if price <= 0 {
		price = nativeUsdFallback
		log.Printf("[pricing] native usd price unavailable, using fallback %.2f", price)
	}

	if err := e.cache.SetTTL(ctx, cache.KeyNativeUSD, []byte(formatFloat(price)), nativeUsdTTL); err != nil {
		log.Printf("[pricing] failed to cache native usd price: %v", err)
	}
	return price, nil
}

func (e *Engine) nativeUsdFromSources(ctx context.Context) float64 {
	native := chain.NativeMint.String()

	q, err := e.agg.SingleQuote(ctx, native)
	if err == nil && q != nil && q.PriceUSD > 0 {
		return q.PriceUSD
	}
	if err != nil {
		log.Printf("[pricing] aggregator native usd: %v", err)
	}

	pools, err := e.chain.FindPoolsForPair(ctx, native, chain.StableMint.String())
	if err != nil {
		log.Printf("[pricing] native/stable pool scan: %v", err)
		return 0
	}
	var (
		bestPrice float64
		bestDepth float64
	)
	for _, pool := range pools {
		reserves, err := e.chain.ReadPoolReserves(ctx, pool.Address, native)
		if err != nil {
			continue
		}
		// The quote side is the stable, so depth is already in USD.
		depth := reserves.QuoteReserveUI()
		if depth < minPoolDepthUsd {
			continue
		}
		if depth > bestDepth {
			bestPrice = reserves.Price()
			bestDepth = depth
		}
	}
	return bestPrice
}

// UpdateMint runs one full update: validate, compose, persist atomically,
// publish. Invalid mints surface as InvalidMintError so the scheduler can
// ban; the validator has already purged them.
func (e *Engine) UpdateMint(ctx context.Context, mint string) (*models.PriceSnapshot, error) {
	valid, reason, err := e.validator.Validate(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", mint, err)
	}
	if !valid {
		return nil, &models.InvalidMintError{Mint: mint, Reason: reason}
	}

	snap, err := e.PriceOf(ctx, mint)
	if err != nil {
		return nil, err
	}

	if err := e.repo.SaveSnapshot(ctx, *snap); err != nil {
		return nil, err
	}

	e.publish(ctx, snap)
	return snap, nil
}

// publish is fire-and-forget: a failed publish never fails the update.
func (e *Engine) publish(ctx context.Context, snap *models.PriceSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[pricing] marshal snapshot for %s: %v", snap.Mint, err)
		return
	}
	if err := e.cache.Publish(ctx, cache.ChannelPriceUpdates, payload); err != nil {
		log.Printf("[pricing] publish snapshot for %s: %v", snap.Mint, err)
	}
}

// BatchUpdate validates and purges the input, warms the aggregator cache
// with one batched call, then updates each mint individually so the
// persist-then-publish invariant holds per mint. The result maps every
// attempted mint to its outcome.
func (e *Engine) BatchUpdate(ctx context.Context, mints []string) map[string]error {
	results := make(map[string]error, len(mints))

	valid, invalid := e.validator.ValidateBatch(ctx, mints)
	for _, mint := range invalid {
		results[mint] = &models.InvalidMintError{Mint: mint, Reason: "failed validation"}
	}
	if len(valid) == 0 {
		return results
	}

	if _, err := e.agg.BatchQuote(ctx, valid); err != nil {
		log.Printf("[pricing] batch quote failed, falling back per mint: %v", err)
	}

	for _, mint := range valid {
		_, err := e.UpdateMint(ctx, mint)
		results[mint] = err
	}
	return results
}

// CurrentOf reads the latest persisted snapshot, nil when none exists.
func (e *Engine) CurrentOf(ctx context.Context, mint string) (*models.PriceSnapshot, error) {
	return e.repo.GetLatest(ctx, mint)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
