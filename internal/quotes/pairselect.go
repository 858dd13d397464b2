package quotes

import (
	"strings"

	"tokenpulse/internal/config"
)

// Pair is one candidate market normalised from a provider response.
type Pair struct {
	PairID       string
	VenueID      string
	BaseMint     string
	QuoteMint    string
	PriceNative  float64
	PriceUSD     float64
	LiquidityUSD float64
	Volume24h    float64
	TxnCount24h  int
	MarketCap    float64
}

// selector applies the pair-selection rules when a provider returns
// several markets for one mint.
type selector struct {
	established   map[string]bool
	launchMarkers []string
	nativeMint    string
	stableMint    string
}

func newSelector(venues config.Venues, nativeMint, stableMint string) *selector {
	established := make(map[string]bool, len(venues.Established))
	for _, v := range venues.Established {
		established[strings.ToLower(v)] = true
	}
	markers := make([]string, 0, len(venues.LaunchMarkers))
	for _, m := range venues.LaunchMarkers {
		markers = append(markers, strings.ToLower(m))
	}
	return &selector{
		established:   established,
		launchMarkers: markers,
		nativeMint:    nativeMint,
		stableMint:    stableMint,
	}
}

func (s *selector) isLaunchVenue(venue string) bool {
	venue = strings.ToLower(venue)
	for _, marker := range s.launchMarkers {
		if strings.Contains(venue, marker) {
			return true
		}
	}
	return false
}

// eligible filters one pair. Launch venues need real volume and depth
// before they are trusted at all; established venues skip the volume
// requirement; everything else needs both.
func (s *selector) eligible(p Pair) bool {
	venue := strings.ToLower(p.VenueID)
	if s.isLaunchVenue(venue) && !(p.Volume24h > 1000 && p.LiquidityUSD > 5000) {
		return false
	}
	if s.established[venue] {
		return p.LiquidityUSD >= 500
	}
	return p.LiquidityUSD >= 500 && p.Volume24h >= 100
}

// score ranks pairs that survived filtering. Weights favour volume over
// raw depth, heavily prefer established venues, and push launch venues
// to the bottom unless they carry serious volume.
func (s *selector) score(p Pair) float64 {
	venue := strings.ToLower(p.VenueID)
	score := 0.3*p.LiquidityUSD + 0.4*p.Volume24h + 0.3*(200*float64(p.TxnCount24h))
	if s.established[venue] {
		score += 50000
	}
	if s.isLaunchVenue(venue) {
		if p.Volume24h > 100000 {
			score -= 10000
		} else {
			score -= 100000
		}
	}
	if p.LiquidityUSD > 0 && p.Volume24h/p.LiquidityUSD > 0.1 {
		score += 15000
	}
	if p.TxnCount24h > 50 {
		score += 5000
	}
	return score
}

// Best picks the winning pair: filter, then prefer native-quoted pairs,
// then stable-quoted, then anything; ties broken by score.
func (s *selector) Best(pairs []Pair) (Pair, bool) {
	var filtered []Pair
	for _, p := range pairs {
		if s.eligible(p) {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return Pair{}, false
	}

	var native, stable []Pair
	for _, p := range filtered {
		switch p.QuoteMint {
		case s.nativeMint:
			native = append(native, p)
		case s.stableMint:
			stable = append(stable, p)
		}
	}

	for _, class := range [][]Pair{native, stable, filtered} {
		if len(class) == 0 {
			continue
		}
		best := class[0]
		bestScore := s.score(best)
		for _, p := range class[1:] {
			if sc := s.score(p); sc > bestScore {
				best, bestScore = p, sc
			}
		}
		return best, true
	}
	return Pair{}, false
}
