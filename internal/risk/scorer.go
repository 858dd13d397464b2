// Package risk wraps the external token risk report provider.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/models"
)

const reportCacheTTL = 5 * time.Minute

// tombstone marks a cached "not indexed" answer so unindexed mints do
// not hammer the upstream every poll.
var tombstone = []byte("null")

// Cache is the slice of the cache store the scorer uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type Scorer struct {
	baseURL string
	client  *http.Client
	cache   Cache

	mu          sync.Mutex
	pausedUntil time.Time
}

func NewScorer(baseURL string, store Cache) *Scorer {
	return &Scorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   store,
	}
}

// Report fetches the normalised risk report for a mint. A nil report
// with nil error means the mint is not indexed, which is a normal
// outcome. Throttling surfaces as ThrottledError, never as nil.
func (s *Scorer) Report(ctx context.Context, mint string) (*models.RiskReport, error) {
	key := cache.KeyRisk(mint)
	if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
		if bytes.Equal(data, tombstone) {
			return nil, nil
		}
		var report models.RiskReport
		if err := json.Unmarshal(data, &report); err == nil {
			return &report, nil
		}
	}

	s.mu.Lock()
	wait := time.Until(s.pausedUntil)
	s.mu.Unlock()
	if wait > 0 {
		return nil, &models.ThrottledError{Source: "rugcheck", RetryAfter: wait}
	}

	url := fmt.Sprintf("%s/tokens/%s/report", s.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tokenpulse/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordUpstream("risk", "error")
		return nil, &models.UpstreamUnavailableError{Source: "rugcheck", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.RecordUpstream("risk", "ok")
		s.cacheReport(ctx, key, tombstone)
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordUpstream("risk", "throttled")
		retry := 2 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil && d > retry {
				retry = d
			}
		}
		s.mu.Lock()
		s.pausedUntil = time.Now().Add(retry)
		s.mu.Unlock()
		return nil, &models.ThrottledError{Source: "rugcheck", RetryAfter: retry}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.RecordUpstream("risk", "error")
		return nil, &models.UpstreamUnavailableError{Source: "rugcheck", Err: fmt.Errorf("status %s", resp.Status)}
	}
	metrics.RecordUpstream("risk", "ok")

	var raw struct {
		Mint            string `json:"mint"`
		Score           int    `json:"score"`
		ScoreNormalised int    `json:"score_normalised"`
		Rugged          bool   `json:"rugged"`
		Risks           []struct {
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Score       float64 `json:"score"`
			Level       string  `json:"level"`
		} `json:"risks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &models.UpstreamUnavailableError{Source: "rugcheck", Err: fmt.Errorf("decode: %w", err)}
	}

	items := make([]models.RiskItem, 0, len(raw.Risks))
	for _, r := range raw.Risks {
		items = append(items, models.RiskItem{
			Name:        r.Name,
			Description: r.Description,
			Score:       r.Score,
			Level:       r.Level,
		})
	}

	score := raw.ScoreNormalised
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	report := &models.RiskReport{
		Mint:    mint,
		Score:   score,
		Rugged:  raw.Rugged,
		Risks:   items,
		Summary: Summarise(items),
		Overall: Overall(raw.Rugged, score),
	}

	if data, err := json.Marshal(report); err == nil {
		s.cacheReport(ctx, key, data)
	}
	return report, nil
}

func (s *Scorer) cacheReport(ctx context.Context, key string, data []byte) {
	if err := s.cache.SetTTL(ctx, key, data, reportCacheTTL); err != nil {
		log.Printf("[risk] failed to cache report: %v", err)
	}
}

// Overall derives the coarse rating from the rugged flag and the
// normalised score.
func Overall(rugged bool, score int) string {
	switch {
	case rugged:
		return models.RiskOverallCritical
	case score <= 20:
		return models.RiskOverallHigh
	case score <= 50:
		return models.RiskOverallMedium
	default:
		return models.RiskOverallLow
	}
}

// Summarise counts findings per severity bucket.
func Summarise(items []models.RiskItem) models.RiskSummary {
	sum := models.RiskSummary{Total: len(items)}
	for _, item := range items {
		switch item.Level {
		case models.RiskLevelDanger:
			sum.High++
		case models.RiskLevelWarn:
			sum.Medium++
		default:
			sum.Low++
		}
	}
	return sum
}
