package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/models"

	"github.com/gorilla/mux"
)

const (
	topHoldersTTL     = 5 * time.Minute
	historyLimit      = 1000
	concentrationSize = 10
)

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	snaps, total, err := s.repo.ListLatest(r.Context(), (page-1)*limit, limit)
	if err != nil {
		log.Printf("[api] failed to list tokens: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	json.NewEncoder(w).Encode(map[string]any{
		"data": snaps,
		"pagination": map[string]int{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !plausibleMint(mint) {
		writeError(w, http.StatusBadRequest, "invalid mint address")
		return
	}
	if _, _, err := parseWindow(r.URL.Query().Get("window")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	var (
		wg      sync.WaitGroup
		info    models.TokenInfo
		latest  *models.PriceSnapshot
		holders []models.HolderBalance
		report  *models.RiskReport
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		if data, err := s.cache.Get(ctx, cache.KeyTokenInfo(mint)); err == nil && data != nil {
			if err := json.Unmarshal(data, &info); err != nil {
				log.Printf("[api] corrupt token info for %s: %v", mint, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		latest, err = s.repo.GetLatest(ctx, mint)
		if err != nil {
			log.Printf("[api] failed to load latest price for %s: %v", mint, err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		holders, err = s.topHolders(ctx, mint, concentrationSize)
		if err != nil {
			log.Printf("[api] failed to load holders for %s: %v", mint, err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		report, err = s.risk.Report(ctx, mint)
		if err != nil {
			log.Printf("[api] failed to load risk report for %s: %v", mint, err)
		}
	}()
	wg.Wait()

	if latest == nil {
		// Unknown to us so far: kick off tracking and tell the caller to
		// come back.
		if err := s.tracker.Enrol(ctx, mint); err != nil {
			if models.IsInvalidMint(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Printf("[api] failed to enrol %s: %v", mint, err)
		}
		writeError(w, http.StatusNotFound, "no data for "+mint+" yet; tracking started")
		return
	}

	concentration := 0.0
	for _, h := range holders {
		concentration += h.SharePct
	}
	if concentration > 100 {
		concentration = 100
	}

	json.NewEncoder(w).Encode(models.TokenMetrics{
		Mint:               mint,
		Name:               info.Name,
		Symbol:             info.Symbol,
		TotalSupply:        latest.TotalSupply,
		PriceUSD:           latest.PriceUSD,
		PriceNative:        latest.PriceNative,
		MarketCap:          latest.MarketCap,
		ConcentrationRatio: concentration,
		LastUpdated:        latest.AsOf,
		Risk:               report,
	})
}

func (s *Server) handleTopHolders(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !plausibleMint(mint) {
		writeError(w, http.StatusBadRequest, "invalid mint address")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	holders, err := s.topHolders(r.Context(), mint, limit)
	if err != nil {
		if models.IsInvalidMint(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] failed to load holders for %s: %v", mint, err)
		writeError(w, http.StatusInternalServerError, "failed to load holders")
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"data":  holders,
		"total": len(holders),
		"limit": limit,
	})
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !plausibleMint(mint) {
		writeError(w, http.StatusBadRequest, "invalid mint address")
		return
	}
	window, label, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	entries, err := s.repo.HistoryInRange(r.Context(), mint, now.Add(-window), now, historyLimit)
	if err != nil {
		log.Printf("[api] failed to load history for %s: %v", mint, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"data":   entries,
		"window": label,
		"total":  len(entries),
	})
}

// topHolders reads the holder distribution through a short cache so
// bursts of dashboard traffic do not hammer the chain.
func (s *Server) topHolders(ctx context.Context, mint string, limit int) ([]models.HolderBalance, error) {
	key := cache.KeyTopHolders(mint, limit)
	if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
		var out []models.HolderBalance
		if err := json.Unmarshal(data, &out); err == nil {
			return out, nil
		}
	}

	holders, err := s.chain.ReadTopHolders(ctx, mint, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(holders); err == nil {
		if err := s.cache.SetTTL(ctx, key, data, topHoldersTTL); err != nil {
			log.Printf("[api] failed to cache holders for %s: %v", mint, err)
		}
	}
	return holders, nil
}

// parseWindow maps the window query parameter to a duration. The blank
// value defaults to one hour.
func parseWindow(v string) (time.Duration, string, error) {
	switch v {
	case "", "1h":
		return time.Hour, "1h", nil
	case "5m":
		return 5 * time.Minute, "5m", nil
	case "1m":
		return time.Minute, "1m", nil
	default:
		return 0, "", errBadWindow
	}
}

var errBadWindow = errors.New("window must be one of 1m, 5m, 1h")

// plausibleMint rejects obvious garbage before it reaches the chain;
// full validation happens in the token validator.
func plausibleMint(mint string) bool {
	return len(mint) >= 32 && len(mint) <= 44
}
