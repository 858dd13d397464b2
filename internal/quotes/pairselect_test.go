package quotes

import (
	"testing"

	"tokenpulse/internal/config"
)

const (
	testNativeMint = "So11111111111111111111111111111111111111112"
	testStableMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func testSelector() *selector {
	return newSelector(config.Venues{
		Established:   []string{"raydium", "orca", "jupiter", "meteora"},
		LaunchMarkers: []string{"pump", "moonshot", "launchlab", "bonk"},
	}, testNativeMint, testStableMint)
}

func TestSelectorEligible(t *testing.T) {
	t.Parallel()
	s := testSelector()

	testCases := []struct {
		name string
		pair Pair
		want bool
	}{
		{
			"established with thin volume",
			Pair{VenueID: "raydium", LiquidityUSD: 600, Volume24h: 0},
			true,
		},
		{
			"established below liquidity floor",
			Pair{VenueID: "raydium", LiquidityUSD: 499, Volume24h: 50000},
			false,
		},
		{
			"launch venue with depth and volume",
			Pair{VenueID: "pumpswap", LiquidityUSD: 6000, Volume24h: 1500},
			true,
		},
		{
			"launch venue too shallow",
			Pair{VenueID: "pumpswap", LiquidityUSD: 4000, Volume24h: 1500},
			false,
		},
		{
			"launch venue too quiet",
			Pair{VenueID: "moonshot", LiquidityUSD: 10000, Volume24h: 900},
			false,
		},
		{
			"unknown venue needs both",
			Pair{VenueID: "somedex", LiquidityUSD: 600, Volume24h: 150},
			true,
		},
		{
			"unknown venue without volume",
			Pair{VenueID: "somedex", LiquidityUSD: 600, Volume24h: 50},
			false,
		},
		{
			"venue match is case-insensitive",
			Pair{VenueID: "Raydium", LiquidityUSD: 600},
			true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := s.eligible(tc.pair); got != tc.want {
				t.Errorf("eligible(%+v) = %v, want %v", tc.pair, got, tc.want)
			}
		})
	}
}

func TestSelectorScorePrefersEstablished(t *testing.T) {
	t.Parallel()
	s := testSelector()

	raydium := Pair{VenueID: "raydium", LiquidityUSD: 10000, Volume24h: 5000, TxnCount24h: 10}
	unknown := Pair{VenueID: "somedex", LiquidityUSD: 10000, Volume24h: 5000, TxnCount24h: 10}

	if s.score(raydium) <= s.score(unknown) {
		t.Errorf("established venue should outscore an unknown one with identical stats")
	}
}

func TestSelectorScoreLaunchPenalty(t *testing.T) {
	t.Parallel()
	s := testSelector()

	// A launch pair with serious volume escapes most of the penalty.
	heavy := Pair{VenueID: "pumpswap", LiquidityUSD: 50000, Volume24h: 100001}
	light := Pair{VenueID: "pumpswap", LiquidityUSD: 50000, Volume24h: 99999}

	diff := s.score(heavy) - s.score(light)
	// 90000 penalty difference minus the ~0.8 volume-weight difference.
	if diff < 80000 {
		t.Errorf("score gap = %f, want the 90000 penalty step to dominate", diff)
	}
}

func TestSelectorBestPrefersNativeQuote(t *testing.T) {
	t.Parallel()
	s := testSelector()

	pairs := []Pair{
		{PairID: "stable", VenueID: "raydium", QuoteMint: testStableMint, LiquidityUSD: 900000, Volume24h: 500000},
		{PairID: "native", VenueID: "raydium", QuoteMint: testNativeMint, LiquidityUSD: 10000, Volume24h: 5000},
		{PairID: "other", VenueID: "orca", QuoteMint: "SomeOtherMint11111111111111111111111111111", LiquidityUSD: 900000, Volume24h: 500000},
	}

	best, ok := s.Best(pairs)
	if !ok {
		t.Fatal("expected a winning pair")
	}
	// Native-quoted wins even though the others score higher.
	if best.PairID != "native" {
		t.Errorf("Best picked %s, want native", best.PairID)
	}
}

func TestSelectorBestFallsBackToStable(t *testing.T) {
	t.Parallel()
	s := testSelector()

	pairs := []Pair{
		{PairID: "stable-low", VenueID: "raydium", QuoteMint: testStableMint, LiquidityUSD: 1000, Volume24h: 200},
		{PairID: "stable-high", VenueID: "raydium", QuoteMint: testStableMint, LiquidityUSD: 90000, Volume24h: 40000},
		{PairID: "other", VenueID: "orca", QuoteMint: "SomeOtherMint11111111111111111111111111111", LiquidityUSD: 900000, Volume24h: 500000},
	}

	best, ok := s.Best(pairs)
	if !ok {
		t.Fatal("expected a winning pair")
	}
	if best.PairID != "stable-high" {
		t.Errorf("Best picked %s, want stable-high", best.PairID)
	}
}

func TestSelectorBestTiesBrokenByScore(t *testing.T) {
	t.Parallel()
	s := testSelector()

	pairs := []Pair{
		{PairID: "a", VenueID: "raydium", QuoteMint: testNativeMint, LiquidityUSD: 1000, Volume24h: 100},
		{PairID: "b", VenueID: "raydium", QuoteMint: testNativeMint, LiquidityUSD: 50000, Volume24h: 90000},
	}

	best, ok := s.Best(pairs)
	if !ok {
		t.Fatal("expected a winning pair")
	}
	if best.PairID != "b" {
		t.Errorf("Best picked %s, want b", best.PairID)
	}
}

func TestSelectorBestNothingEligible(t *testing.T) {
	t.Parallel()
	s := testSelector()

	pairs := []Pair{
		{PairID: "a", VenueID: "pumpswap", QuoteMint: testNativeMint, LiquidityUSD: 100, Volume24h: 10},
		{PairID: "b", VenueID: "somedex", QuoteMint: testNativeMint, LiquidityUSD: 50, Volume24h: 1},
	}

	if _, ok := s.Best(pairs); ok {
		t.Error("expected no eligible pair")
	}
	if _, ok := s.Best(nil); ok {
		t.Error("expected no pair from empty input")
	}
}
