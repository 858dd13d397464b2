// Package quotes implements the market-data providers and the rules for
// picking one market per mint.
package quotes

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tokenpulse/internal/models"
)

// Source is the capability shared by quote providers.
type Source interface {
	Name() string
	SingleQuote(ctx context.Context, mint string) (*models.Quote, error)
	BatchQuote(ctx context.Context, mints []string) (map[string]*models.Quote, error)
}

// Cache is the slice of the cache store the quote sources use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// throttleGate tracks an upstream-imposed pause. After a 429 the source
// refuses outbound calls until the pause elapses, surfacing
// ThrottledError so callers skip the tick instead of hammering.
type throttleGate struct {
	mu          sync.Mutex
	pausedUntil time.Time
}

func (g *throttleGate) check(source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := time.Until(g.pausedUntil); wait > 0 {
		return &models.ThrottledError{Source: source, RetryAfter: wait}
	}
	return nil
}

// pause blocks outbound calls for at least two seconds, longer when the
// upstream asked for more.
func (g *throttleGate) pause(d time.Duration) {
	if d < 2*time.Second {
		d = 2 * time.Second
	}
	g.mu.Lock()
	if until := time.Now().Add(d); until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
	g.mu.Unlock()
}

// retryAfter parses a Retry-After header given in whole seconds.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// parsePrice converts provider price strings, rejecting NaN and infinities.
func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
