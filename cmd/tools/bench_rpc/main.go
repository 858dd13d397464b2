package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tokenpulse/internal/chain"
	"tokenpulse/internal/config"

	"github.com/gagliardetto/solana-go/rpc"
)

// Measures RPC latency for the call patterns the pricing path makes, so
// endpoint candidates can be compared before switching CHAIN_RPC_URL.
//
// Usage: bench_rpc [-mint <mint>] [<endpoint> ...]
// With no endpoints the configured CHAIN_RPC_URL is benched.
func main() {
	var mint string
	flag.StringVar(&mint, "mint", chain.StableMint.String(), "mint to run the benchmark against")
	flag.Parse()

	endpoints := flag.Args()
	if len(endpoints) == 0 {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		endpoints = []string{cfg.RPCEndpoint()}
	}

	ctx := context.Background()
	for _, endpoint := range endpoints {
		fmt.Printf("\n========== %s (mint=%s) ==========\n", endpoint, mint)
		runBench(ctx, endpoint, mint)
	}
}

// nopCache satisfies the chain client's cache interface without storing
// anything, so every timed call actually reaches the node.
type nopCache struct{}

func (nopCache) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (nopCache) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return nil
}
func (nopCache) SetPermanent(ctx context.Context, key string, val []byte) error { return nil }

func runBench(ctx context.Context, endpoint, mint string) {
	raw := rpc.New(endpoint)
	cli := chain.NewClient(endpoint, nopCache{})

	// 1. getHealth
	t0 := time.Now()
	health, err := raw.GetHealth(ctx)
	d1 := time.Since(t0)
	if err != nil {
		fmt.Printf("  GetHealth: FAIL (%v) [%v]\n", err, d1)
		return
	}
	fmt.Printf("  GetHealth: OK [%v] status=%s\n", d1, health)

	// 2. ValidateMint (account info + token supply)
	t0 = time.Now()
	err = cli.ValidateMint(ctx, mint)
	d2 := time.Since(t0)
	if err != nil {
		fmt.Printf("  ValidateMint: FAIL (%v) [%v]\n", err, d2)
		return
	}
	fmt.Printf("  ValidateMint: OK [%v]\n", d2)

	// 3. ReadSupply
	t0 = time.Now()
	supplyRaw, decimals, err := cli.ReadSupply(ctx, mint)
	d3 := time.Since(t0)
	if err != nil {
		fmt.Printf("  ReadSupply: FAIL (%v) [%v]\n", err, d3)
		return
	}
	fmt.Printf("  ReadSupply: OK [%v] raw=%d decimals=%d\n", d3, supplyRaw, decimals)

	// 4. Pool scan against the native quote (two oriented getProgramAccounts)
	t0 = time.Now()
	pools, err := cli.FindPoolsForPair(ctx, mint, chain.NativeMint.String())
	d4 := time.Since(t0)
	if err != nil {
		fmt.Printf("  FindPoolsForPair: FAIL (%v) [%v]\n", err, d4)
		return
	}
	fmt.Printf("  FindPoolsForPair: OK [%v] pools=%d\n", d4, len(pools))

	// 5. Per-pool reserve read (account info + two vault balances), the
	// cost that scales with pool count on a cache-cold price derivation.
	maxPools := 3
	if len(pools) < maxPools {
		maxPools = len(pools)
	}
	for i := 0; i < maxPools; i++ {
		t := time.Now()
		res, err := cli.ReadPoolReserves(ctx, pools[i].Address, mint)
		d := time.Since(t)
		if err != nil {
			fmt.Printf("  ReadPoolReserves[%d]: FAIL (%v) [%v]\n", i, err, d)
			continue
		}
		fmt.Printf("  ReadPoolReserves[%d]: OK [%v] price=%.10f depth=%.2f\n",
			i, d, res.Price(), res.QuoteReserveUI())
	}

	// 6. ReadTopHolders
	t0 = time.Now()
	holders, err := cli.ReadTopHolders(ctx, mint, 20)
	d6 := time.Since(t0)
	if err != nil {
		fmt.Printf("  ReadTopHolders: FAIL (%v) [%v]\n", err, d6)
	} else {
		fmt.Printf("  ReadTopHolders: OK [%v] holders=%d\n", d6, len(holders))
	}

	// 7. Benchmark: 5 consecutive supply reads (the scheduler's steady-state
	// per-mint call when quotes come from off-chain sources)
	t0 = time.Now()
	ok := true
	for i := 0; i < 5; i++ {
		if _, _, err := cli.ReadSupply(ctx, mint); err != nil {
			fmt.Printf("  Consecutive ReadSupply: FAIL at call %d: %v\n", i, err)
			ok = false
			break
		}
	}
	if ok {
		d7 := time.Since(t0)
		fmt.Printf("  5 consecutive ReadSupply: [%v] avg=%v\n", d7, d7/5)
	}

	if os.Getenv("VERBOSE") != "" {
		// 8. Full cold derivation simulation (what the pricing engine does
		// when aggregator and AMM API both miss): supply, pool scan, then
		// reserves for every pool.
		t0 = time.Now()
		cli.ReadSupply(ctx, mint)
		pools, _ := cli.FindPoolsForPair(ctx, mint, chain.NativeMint.String())
		for _, p := range pools {
			cli.ReadPoolReserves(ctx, p.Address, mint)
		}
		d8 := time.Since(t0)
		perPool := d8
		if len(pools) > 0 {
			perPool = d8 / time.Duration(len(pools))
		}
		fmt.Printf("  Full cold derivation (supply+scan+reserves): [%v] for %d pools = %v/pool\n",
			d8, len(pools), perPool)
	}
}
