package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/config"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"golang.org/x/time/rate"
)

// aggregatorBatchSize caps mints per request; the upstream rejects more.
const aggregatorBatchSize = 30

const tokenInfoCacheTTL = time.Hour

// Aggregator quotes mints from a DexScreener-shaped multi-venue API.
type Aggregator struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	gate    throttleGate
	sel     *selector
	cache   Cache
	ttl     time.Duration
}

// NewAggregator builds the primary quote source. ttl governs the positive
// per-mint cache; the config layer clamps it to [5s, 60s].
func NewAggregator(baseURL string, ttl time.Duration, venues config.Venues, store Cache) *Aggregator {
	return &Aggregator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		sel:     newSelector(venues, chain.NativeMint.String(), chain.StableMint.String()),
		cache:   store,
		ttl:     ttl,
	}
}

func (a *Aggregator) Name() string { return "dexscreener" }

// SingleQuote returns the best market for one mint, or nil when the
// aggregator knows no usable pair.
func (a *Aggregator) SingleQuote(ctx context.Context, mint string) (*models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	quotes, err := a.BatchQuote(ctx, []string{mint})
	if err != nil {
		return nil, err
	}
	return quotes[mint], nil
}

// BatchQuote resolves quotes for many mints, answering from the positive
// cache where possible and batching the misses upstream. On upstream
// failure it returns what it has along with the error, so callers can
// fall back per mint.
func (a *Aggregator) BatchQuote(ctx context.Context, mints []string) (map[string]*models.Quote, error) {
	out := make(map[string]*models.Quote, len(mints))
	var misses []string
	for _, mint := range mints {
		if data, err := a.cache.Get(ctx, cache.KeyQuote(a.Name(), mint)); err == nil && data != nil {
			var q models.Quote
			if err := json.Unmarshal(data, &q); err == nil {
				out[mint] = &q
				continue
			}
		}
		misses = append(misses, mint)
	}

	for start := 0; start < len(misses); start += aggregatorBatchSize {
		end := start + aggregatorBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		pairsByMint, err := a.fetch(ctx, chunk)
		if err != nil {
			return out, err
		}

		for _, mint := range chunk {
			best, ok := a.sel.Best(pairsByMint[mint])
			if !ok {
				continue
			}
			q := quoteFromPair(mint, best)
			out[mint] = q
			if data, err := json.Marshal(q); err == nil {
				if err := a.cache.SetTTL(ctx, cache.KeyQuote(a.Name(), mint), data, a.ttl); err != nil {
					log.Printf("[quotes] failed to cache quote for %s: %v", mint, err)
				}
			}
		}
	}
	return out, nil
}

// fetch performs one upstream request for up to 30 mints and buckets the
// returned pairs by requested mint. It also refreshes the token_info
// cache from pair metadata, which is the only place names and symbols
// are available.
func (a *Aggregator) fetch(ctx context.Context, mints []string) (map[string][]Pair, error) {
	if err := a.gate.check(a.Name()); err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/latest/dex/tokens/%s", a.baseURL, strings.Join(mints, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tokenpulse/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.RecordUpstream("aggregator", "error")
		return nil, &models.UpstreamUnavailableError{Source: a.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RecordUpstream("aggregator", "throttled")
		wait := retryAfter(resp)
		a.gate.pause(wait)
		return nil, &models.ThrottledError{Source: a.Name(), RetryAfter: wait}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordUpstream("aggregator", "error")
		return nil, &models.UpstreamUnavailableError{Source: a.Name(), Err: fmt.Errorf("status %s", resp.Status)}
	}
	metrics.RecordUpstream("aggregator", "ok")

	var result struct {
		Pairs []struct {
			DexID       string `json:"dexId"`
			PairAddress string `json:"pairAddress"`
			BaseToken   struct {
				Address string `json:"address"`
				Name    string `json:"name"`
				Symbol  string `json:"symbol"`
			} `json:"baseToken"`
			QuoteToken struct {
				Address string `json:"address"`
			} `json:"quoteToken"`
			PriceNative string `json:"priceNative"`
			PriceUSD    string `json:"priceUsd"`
			Txns        struct {
				H24 struct {
					Buys  int `json:"buys"`
					Sells int `json:"sells"`
				} `json:"h24"`
			} `json:"txns"`
			Volume struct {
				H24 float64 `json:"h24"`
			} `json:"volume"`
			Liquidity struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
			MarketCap float64 `json:"marketCap"`
			FDV       float64 `json:"fdv"`
		} `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &models.UpstreamUnavailableError{Source: a.Name(), Err: fmt.Errorf("decode: %w", err)}
	}

	requested := make(map[string]bool, len(mints))
	for _, m := range mints {
		requested[m] = true
	}

	byMint := make(map[string][]Pair)
	seenInfo := make(map[string]bool)
	for _, p := range result.Pairs {
		mint := p.BaseToken.Address
		if !requested[mint] {
			continue
		}
		marketCap := p.MarketCap
		if marketCap == 0 {
			marketCap = p.FDV
		}
		byMint[mint] = append(byMint[mint], Pair{
			PairID:       p.PairAddress,
			VenueID:      p.DexID,
			BaseMint:     mint,
			QuoteMint:    p.QuoteToken.Address,
			PriceNative:  parsePrice(p.PriceNative),
			PriceUSD:     parsePrice(p.PriceUSD),
			LiquidityUSD: p.Liquidity.USD,
			Volume24h:    p.Volume.H24,
			TxnCount24h:  p.Txns.H24.Buys + p.Txns.H24.Sells,
			MarketCap:    marketCap,
		})

		if !seenInfo[mint] && (p.BaseToken.Name != "" || p.BaseToken.Symbol != "") {
			seenInfo[mint] = true
			a.cacheTokenInfo(ctx, mint, p.BaseToken.Name, p.BaseToken.Symbol)
		}
	}
	return byMint, nil
}

func (a *Aggregator) cacheTokenInfo(ctx context.Context, mint, name, symbol string) {
	info := models.TokenInfo{Mint: mint, Name: name, Symbol: symbol}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := a.cache.SetTTL(ctx, cache.KeyTokenInfo(mint), data, tokenInfoCacheTTL); err != nil {
		log.Printf("[quotes] failed to cache token info for %s: %v", mint, err)
	}
}

func quoteFromPair(mint string, p Pair) *models.Quote {
	return &models.Quote{
		Mint:         mint,
		PriceUSD:     p.PriceUSD,
		PriceNative:  p.PriceNative,
		MarketCap:    p.MarketCap,
		LiquidityUSD: p.LiquidityUSD,
		Volume24h:    p.Volume24h,
		VenueID:      p.VenueID,
		PairID:       p.PairID,
		AsOf:         time.Now().UTC(),
	}
}
