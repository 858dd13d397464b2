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
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"

	"golang.org/x/time/rate"
)

// AmmAPI is the lighter secondary source: the native AMM's own pool API.
// It returns a single pool for (mint, native), falling back to (mint,
// stable), and is consulted only when the aggregator yields nothing
// usable.
type AmmAPI struct {
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	gate       throttleGate
	cache      Cache
	ttl        time.Duration
	nativeMint string
	stableMint string
}

func NewAmmAPI(baseURL string, ttl time.Duration, store Cache) *AmmAPI {
	return &AmmAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		cache:      store,
		ttl:        ttl,
		nativeMint: chain.NativeMint.String(),
		stableMint: chain.StableMint.String(),
	}
}

func (r *AmmAPI) Name() string { return "raydium" }

// SingleQuote asks for the deepest (mint, native) pool, then the deepest
// (mint, stable) pool. A nil quote with nil error means no pool exists.
func (r *AmmAPI) SingleQuote(ctx context.Context, mint string) (*models.Quote, error) {
	if data, err := r.cache.Get(ctx, cache.KeyQuote(r.Name(), mint)); err == nil && data != nil {
		var q models.Quote
		if err := json.Unmarshal(data, &q); err == nil {
			return &q, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q, err := r.poolQuote(ctx, mint, r.nativeMint)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q, err = r.poolQuote(ctx, mint, r.stableMint)
		if err != nil {
			return nil, err
		}
	}
	if q == nil {
		return nil, nil
	}

	if data, err := json.Marshal(q); err == nil {
		if err := r.cache.SetTTL(ctx, cache.KeyQuote(r.Name(), mint), data, r.ttl); err != nil {
			log.Printf("[quotes] failed to cache amm quote for %s: %v", mint, err)
		}
	}
	return q, nil
}

// BatchQuote loops SingleQuote; the upstream has no batch endpoint. A
// throttle aborts the loop, other per-mint failures are skipped.
func (r *AmmAPI) BatchQuote(ctx context.Context, mints []string) (map[string]*models.Quote, error) {
	out := make(map[string]*models.Quote, len(mints))
	for _, mint := range mints {
		q, err := r.SingleQuote(ctx, mint)
		if err != nil {
			if models.IsThrottled(err) {
				return out, err
			}
			log.Printf("[quotes] amm quote for %s failed: %v", mint, err)
			continue
		}
		if q != nil {
			out[mint] = q
		}
	}
	return out, nil
}

func (r *AmmAPI) poolQuote(ctx context.Context, mint, quoteMint string) (*models.Quote, error) {
	if err := r.gate.check(r.Name()); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf(
		"%s/pools/info/mint?mint1=%s&mint2=%s&poolType=all&poolSortField=liquidity&sortType=desc&pageSize=1&page=1",
		r.baseURL, mint, quoteMint,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tokenpulse/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RecordUpstream("amm_api", "error")
		return nil, &models.UpstreamUnavailableError{Source: r.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RecordUpstream("amm_api", "throttled")
		wait := retryAfter(resp)
		r.gate.pause(wait)
		return nil, &models.ThrottledError{Source: r.Name(), RetryAfter: wait}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordUpstream("amm_api", "error")
		return nil, &models.UpstreamUnavailableError{Source: r.Name(), Err: fmt.Errorf("status %s", resp.Status)}
	}
	metrics.RecordUpstream("amm_api", "ok")

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Count int `json:"count"`
			Data  []struct {
				ID    string  `json:"id"`
				Price float64 `json:"price"`
				TVL   float64 `json:"tvl"`
				MintA struct {
					Address string `json:"address"`
				} `json:"mintA"`
				MintB struct {
					Address string `json:"address"`
				} `json:"mintB"`
				Day struct {
					Volume float64 `json:"volume"`
				} `json:"day"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &models.UpstreamUnavailableError{Source: r.Name(), Err: fmt.Errorf("decode: %w", err)}
	}
	if !result.Success || len(result.Data.Data) == 0 {
		return nil, nil
	}

	pool := result.Data.Data[0]

	// The API prices mintA in units of mintB; flip when ours is mintB.
	price := pool.Price
	switch mint {
	case pool.MintA.Address:
	case pool.MintB.Address:
		if price != 0 {
			price = 1 / price
		}
	default:
		return nil, nil
	}

	q := &models.Quote{
		Mint:         mint,
		LiquidityUSD: pool.TVL,
		Volume24h:    pool.Day.Volume,
		VenueID:      r.Name(),
		PairID:       pool.ID,
		AsOf:         time.Now().UTC(),
	}
	if quoteMint == r.nativeMint {
		q.PriceNative = price
	} else {
		q.PriceUSD = price
	}
	return q, nil
}
