package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/models"

	"github.com/gagliardetto/solana-go"
)

const testMint = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"

var nativeMint = chain.NativeMint.String()

// callLog records cross-fake events so tests can assert ordering.
type callLog struct {
	mu     sync.Mutex
	events []string
}

func (l *callLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeSource struct {
	mu      sync.Mutex
	name    string
	quotes  map[string]*models.Quote
	err     error
	singles []string
	batches [][]string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) SingleQuote(_ context.Context, mint string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, mint)
	if s.err != nil {
		return nil, s.err
	}
	return s.quotes[mint], nil
}

func (s *fakeSource) BatchQuote(_ context.Context, mints []string) (map[string]*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), mints...))
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*models.Quote, len(mints))
	for _, mint := range mints {
		if q := s.quotes[mint]; q != nil {
			out[mint] = q
		}
	}
	return out, nil
}

func (s *fakeSource) singleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.singles)
}

func (s *fakeSource) batchCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

type fakeChain struct {
	supplyRaw uint64
	decimals  uint8
	supplyErr error
	pools     map[string][]chain.PoolInfo
	reserves  map[string]*chain.PoolReserves
	poolsErr  error
}

func (c *fakeChain) ReadSupply(_ context.Context, _ string) (uint64, uint8, error) {
	if c.supplyErr != nil {
		return 0, 0, c.supplyErr
	}
	return c.supplyRaw, c.decimals, nil
}

func (c *fakeChain) FindPoolsForPair(_ context.Context, a, b string) ([]chain.PoolInfo, error) {
	if c.poolsErr != nil {
		return nil, c.poolsErr
	}
	return c.pools[a+"/"+b], nil
}

func (c *fakeChain) ReadPoolReserves(_ context.Context, pool solana.PublicKey, _ string) (*chain.PoolReserves, error) {
	r, ok := c.reserves[pool.String()]
	if !ok {
		return nil, errors.New("unknown pool")
	}
	return r, nil
}

type fakeValidator struct {
	ok      bool
	reason  string
	err     error
	valid   []string
	invalid []string
}

func (v *fakeValidator) Validate(_ context.Context, _ string) (bool, string, error) {
	return v.ok, v.reason, v.err
}

func (v *fakeValidator) ValidateBatch(_ context.Context, _ []string) ([]string, []string) {
	return v.valid, v.invalid
}

type fakeRepo struct {
	mu      sync.Mutex
	log     *callLog
	saveErr error
	saved   []models.PriceSnapshot
	latest  map[string]*models.PriceSnapshot
}

func (r *fakeRepo) SaveSnapshot(_ context.Context, snap models.PriceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, snap)
	if r.log != nil {
		r.log.add("save:" + snap.Mint)
	}
	return nil
}

func (r *fakeRepo) GetLatest(_ context.Context, mint string) (*models.PriceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[mint], nil
}

func (r *fakeRepo) savedSnaps() []models.PriceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PriceSnapshot(nil), r.saved...)
}

// pubCache implements the engine's cache surface in memory, recording
// publishes in the shared log.
type pubCache struct {
	mu        sync.Mutex
	data      map[string][]byte
	log       *callLog
	published map[string][][]byte
}

func newPubCache(log *callLog) *pubCache {
	return &pubCache{
		data:      make(map[string][]byte),
		log:       log,
		published: make(map[string][][]byte),
	}
}

func (c *pubCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *pubCache) SetTTL(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
	return nil
}

func (c *pubCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[channel] = append(c.published[channel], payload)
	if c.log != nil {
		c.log.add("publish:" + channel)
	}
	return nil
}

func (c *pubCache) publishedOn(channel string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[channel]
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestPriceOfComposesSnapshot(t *testing.T) {
	t.Parallel()

	agg := &fakeSource{name: "dexscreener", quotes: map[string]*models.Quote{
		testMint:   {Mint: testMint, PriceNative: 0.5},
		nativeMint: {Mint: nativeMint, PriceUSD: 100},
	}}
	chainMock := &fakeChain{supplyRaw: 1_000_000_000, decimals: 6}
	e := NewEngine(chainMock, &fakeValidator{ok: true}, agg, &fakeSource{name: "amm"}, &fakeRepo{}, newPubCache(nil))

	snap, err := e.PriceOf(context.Background(), testMint)
	if err != nil {
		t.Fatalf("PriceOf: %v", err)
	}
	if snap.Mint != testMint {
		t.Errorf("mint = %s", snap.Mint)
	}
	if !approx(snap.PriceNative, 0.5) {
		t.Errorf("priceNative = %v, want 0.5", snap.PriceNative)
	}
	if !approx(snap.PriceUSD, 50) {
		t.Errorf("priceUsd = %v, want 50", snap.PriceUSD)
	}
	if !approx(snap.TotalSupply, 1000) {
		t.Errorf("totalSupply = %v, want 1000", snap.TotalSupply)
	}
	if !approx(snap.MarketCap, 50_000) {
		t.Errorf("marketCap = %v, want 50000", snap.MarketCap)
	}
	if snap.AsOf.IsZero() || time.Since(snap.AsOf) > time.Minute {
		t.Errorf("asOf = %v", snap.AsOf)
	}
}

func TestNativePriceIdentityForNativeMint(t *testing.T) {
	t.Parallel()

	agg := &fakeSource{name: "dexscreener", err: errors.New("must not be called")}
	e := NewEngine(&fakeChain{}, &fakeValidator{}, agg, &fakeSource{name: "amm"}, &fakeRepo{}, newPubCache(nil))

	price, err := e.NativePriceForMint(context.Background(), nativeMint)
	if err != nil || !approx(price, 1) {
		t.Fatalf("NativePriceForMint(native) = (%v, %v), want (1, nil)", price, err)
	}
	if agg.singleCalls() != 0 {
		t.Errorf("aggregator consulted for the native mint")
	}
}

func TestNativePriceCachedValueShortCircuits(t *testing.T) {
	t.Parallel()

	store := newPubCache(nil)
	store.SetTTL(context.Background(), cache.KeyPriceNative(testMint), []byte("0.7"), time.Minute)
	agg := &fakeSource{name: "dexscreener", err: errors.New("must not be called")}
	e := NewEngine(&fakeChain{}, &fakeValidator{}, agg, &fakeSource{name: "amm"}, &fakeRepo{}, store)

	price, err := e.NativePriceForMint(context.Background(), testMint)
	if err != nil || !approx(price, 0.7) {
		t.Fatalf("NativePriceForMint = (%v, %v), want cached 0.7", price, err)
	}
	if agg.singleCalls() != 0 {
		t.Errorf("aggregator consulted despite a cached price")
	}
}

func TestNativePriceFallsBackToAmmAPI(t *testing.T) {
	t.Parallel()

	store := newPubCache(nil)
	store.SetTTL(context.Background(), cache.KeyNativeUSD, []byte("100"), time.Minute)

	agg := &fakeSource{name: "dexscreener", err: errors.New("upstream down")}
	// The AMM API only knows the dollar side; the engine must divide by
	// the native USD price.
	amm := &fakeSource{name: "amm", quotes: map[string]*models.Quote{
		testMint: {Mint: testMint, PriceUSD: 30},
	}}
	e := NewEngine(&fakeChain{}, &fakeValidator{}, agg, amm, &fakeRepo{}, store)

	price, err := e.NativePriceForMint(context.Background(), testMint)
	if err != nil {
		t.Fatalf("NativePriceForMint: %v", err)
	}
	if !approx(price, 0.3) {
		t.Errorf("price = %v, want 0.3", price)
	}
}

func TestNativePriceFallsBackToDeepestPool(t *testing.T) {
	t.Parallel()

	store := newPubCache(nil)
	store.SetTTL(context.Background(), cache.KeyNativeUSD, []byte("100"), time.Minute)

	deep := solana.PublicKey{1}
	dust := solana.PublicKey{2}
	chainMock := &fakeChain{
		pools: map[string][]chain.PoolInfo{
			testMint + "/" + nativeMint: {
				{Address: dust},
				{Address: deep},
			},
		},
		reserves: map[string]*chain.PoolReserves{
			// 1000 tokens vs 50 native at $100: depth $5000, price 0.05.
			deep.String(): {TokenReserveRaw: 1_000_000_000_000, QuoteReserveRaw: 50_000_000_000, TokenDecimals: 9, QuoteDecimals: 9},
			// 1 token vs 0.001 native: depth $0.10, filtered out.
			dust.String(): {TokenReserveRaw: 1_000_000_000, QuoteReserveRaw: 1_000_000, TokenDecimals: 9, QuoteDecimals: 9},
		},
	}
	down := errors.New("upstream down")
	e := NewEngine(chainMock, &fakeValidator{}, &fakeSource{name: "dexscreener", err: down}, &fakeSource{name: "amm", err: down}, &fakeRepo{}, store)

	price, err := e.NativePriceForMint(context.Background(), testMint)
	if err != nil {
		t.Fatalf("NativePriceForMint: %v", err)
	}
	if !approx(price, 0.05) {
		t.Errorf("price = %v, want 0.05 from the deepest pool", price)
	}
}

func TestNativePriceRejectsDustPools(t *testing.T) {
	t.Parallel()

	store := newPubCache(nil)
	store.SetTTL(context.Background(), cache.KeyNativeUSD, []byte("100"), time.Minute)

	dust := solana.PublicKey{3}
	chainMock := &fakeChain{
		pools: map[string][]chain.PoolInfo{
			testMint + "/" + nativeMint: {{Address: dust}},
		},
		reserves: map[string]*chain.PoolReserves{
			dust.String(): {TokenReserveRaw: 1_000_000_000, QuoteReserveRaw: 1_000_000, TokenDecimals: 9, QuoteDecimals: 9},
		},
	}
	down := errors.New("upstream down")
	e := NewEngine(chainMock, &fakeValidator{}, &fakeSource{name: "dexscreener", err: down}, &fakeSource{name: "amm", err: down}, &fakeRepo{}, store)

	if _, err := e.NativePriceForMint(context.Background(), testMint); err == nil {
		t.Fatal("expected an error when the only pool is below the depth floor")
	}
	if cached, _ := store.Get(context.Background(), cache.KeyPriceNative(testMint)); cached != nil {
		t.Errorf("price cached despite failure: %q", cached)
	}
}

func TestNativeUsdPriceFallback(t *testing.T) {
	t.Parallel()

	agg := &fakeSource{name: "dexscreener", err: errors.New("upstream down")}
	e := NewEngine(&fakeChain{}, &fakeValidator{}, agg, &fakeSource{name: "amm"}, &fakeRepo{}, newPubCache(nil))

	price, err := e.NativeUsdPrice(context.Background())
	if err != nil {
		t.Fatalf("NativeUsdPrice: %v", err)
	}
	if !approx(price, nativeUsdFallback) {
		t.Errorf("price = %v, want the fallback %v", price, nativeUsdFallback)
	}
}

func TestNativeUsdPriceFromStablePool(t *testing.T) {
	t.Parallel()

	pool := solana.PublicKey{4}
	chainMock := &fakeChain{
		pools: map[string][]chain.PoolInfo{
			nativeMint + "/" + chain.StableMint.String(): {{Address: pool}},
		},
		reserves: map[string]*chain.PoolReserves{
			// 100 native vs 17000 stable units: $170 each, depth $17000.
			pool.String(): {TokenReserveRaw: 100_000_000_000, QuoteReserveRaw: 17_000_000_000, TokenDecimals: 9, QuoteDecimals: 6},
		},
	}
	agg := &fakeSource{name: "dexscreener", err: errors.New("upstream down")}
	e := NewEngine(chainMock, &fakeValidator{}, agg, &fakeSource{name: "amm"}, &fakeRepo{}, newPubCache(nil))

	price, err := e.NativeUsdPrice(context.Background())
	if err != nil {
		t.Fatalf("NativeUsdPrice: %v", err)
	}
	if !approx(price, 170) {
		t.Errorf("price = %v, want 170 from the native/stable pool", price)
	}
}

func TestUpdateMintPersistsThenPublishes(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	repo := &fakeRepo{log: log}
	store := newPubCache(log)
	agg := &fakeSource{name: "dexscreener", quotes: map[string]*models.Quote{
		testMint:   {Mint: testMint, PriceNative: 2},
		nativeMint: {Mint: nativeMint, PriceUSD: 10},
	}}
	chainMock := &fakeChain{supplyRaw: 5_000_000, decimals: 6}
	e := NewEngine(chainMock, &fakeValidator{ok: true}, agg, &fakeSource{name: "amm"}, repo, store)

	snap, err := e.UpdateMint(context.Background(), testMint)
	if err != nil {
		t.Fatalf("UpdateMint: %v", err)
	}
	if !approx(snap.PriceUSD, 20) {
		t.Errorf("priceUsd = %v, want 20", snap.PriceUSD)
	}

	events := log.list()
	if len(events) != 2 || events[0] != "save:"+testMint || events[1] != "publish:"+cache.ChannelPriceUpdates {
		t.Fatalf("events = %v, want persist before publish", events)
	}

	payloads := store.publishedOn(cache.ChannelPriceUpdates)
	if len(payloads) != 1 {
		t.Fatalf("published %d payloads, want 1", len(payloads))
	}
	var got models.PriceSnapshot
	if err := json.Unmarshal(payloads[0], &got); err != nil {
		t.Fatalf("published payload is not a snapshot: %v", err)
	}
	if got.Mint != testMint || !approx(got.PriceUSD, 20) {
		t.Errorf("published snapshot = %+v", got)
	}
}

func TestUpdateMintRejectsInvalid(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	repo := &fakeRepo{log: log}
	store := newPubCache(log)
	e := NewEngine(&fakeChain{}, &fakeValidator{ok: false, reason: "zero supply"}, &fakeSource{name: "dexscreener"}, &fakeSource{name: "amm"}, repo, store)

	_, err := e.UpdateMint(context.Background(), testMint)
	if !models.IsInvalidMint(err) {
		t.Fatalf("err = %v, want InvalidMintError", err)
	}
	if len(log.list()) != 0 {
		t.Errorf("events = %v, want none for an invalid mint", log.list())
	}
}

func TestUpdateMintPersistFailureSkipsPublish(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	repo := &fakeRepo{log: log, saveErr: errors.New("connection refused")}
	store := newPubCache(log)
	agg := &fakeSource{name: "dexscreener", quotes: map[string]*models.Quote{
		testMint:   {Mint: testMint, PriceNative: 2},
		nativeMint: {Mint: nativeMint, PriceUSD: 10},
	}}
	e := NewEngine(&fakeChain{supplyRaw: 1_000_000, decimals: 6}, &fakeValidator{ok: true}, agg, &fakeSource{name: "amm"}, repo, store)

	if _, err := e.UpdateMint(context.Background(), testMint); err == nil {
		t.Fatal("expected the persist error to surface")
	}
	if len(store.publishedOn(cache.ChannelPriceUpdates)) != 0 {
		t.Errorf("snapshot published despite a failed persist")
	}
}

func TestBatchUpdateMapsOutcomes(t *testing.T) {
	t.Parallel()

	agg := &fakeSource{name: "dexscreener", quotes: map[string]*models.Quote{
		testMint:   {Mint: testMint, PriceNative: 2},
		nativeMint: {Mint: nativeMint, PriceUSD: 10},
	}}
	repo := &fakeRepo{}
	validator := &fakeValidator{ok: true, valid: []string{testMint}, invalid: []string{"bad"}}
	e := NewEngine(&fakeChain{supplyRaw: 1_000_000, decimals: 6}, validator, agg, &fakeSource{name: "amm"}, repo, newPubCache(nil))

	results := e.BatchUpdate(context.Background(), []string{testMint, "bad"})
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if err := results["bad"]; !models.IsInvalidMint(err) {
		t.Errorf("results[bad] = %v, want InvalidMintError", err)
	}
	if err := results[testMint]; err != nil {
		t.Errorf("results[%s] = %v, want nil", testMint, err)
	}

	batches := agg.batchCalls()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != testMint {
		t.Errorf("batch quote calls = %v, want one warm-up with the valid mint", batches)
	}
	if saved := repo.savedSnaps(); len(saved) != 1 || saved[0].Mint != testMint {
		t.Errorf("saved = %v", saved)
	}
}

func TestCurrentOfReadsLatest(t *testing.T) {
	t.Parallel()

	want := &models.PriceSnapshot{Mint: testMint, PriceUSD: 1.25}
	repo := &fakeRepo{latest: map[string]*models.PriceSnapshot{testMint: want}}
	e := NewEngine(&fakeChain{}, &fakeValidator{}, &fakeSource{name: "dexscreener"}, &fakeSource{name: "amm"}, repo, newPubCache(nil))

	got, err := e.CurrentOf(context.Background(), testMint)
	if err != nil || got != want {
		t.Fatalf("CurrentOf = (%v, %v)", got, err)
	}

	missing, err := e.CurrentOf(context.Background(), "unseen")
	if err != nil || missing != nil {
		t.Fatalf("CurrentOf(unseen) = (%v, %v), want (nil, nil)", missing, err)
	}
}
