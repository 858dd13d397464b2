package models

import (
	"time"
)

// TokenInfo describes an SPL mint. Name and symbol are optional because
// on-chain metadata is frequently missing for fresh launches.
type TokenInfo struct {
	Mint        string  `json:"mint"`
	Name        string  `json:"name,omitempty"`
	Symbol      string  `json:"symbol,omitempty"`
	Decimals    uint8   `json:"decimals"`
	TotalSupply float64 `json:"totalSupply"`
}

// Quote is one priced market for a mint as reported by a quote source.
// PriceNative is the price denominated in the wrapped native coin.
type Quote struct {
	Mint         string    `json:"mint"`
	PriceUSD     float64   `json:"priceUsd"`
	PriceNative  float64   `json:"priceNative"`
	MarketCap    float64   `json:"marketCap"`
	LiquidityUSD float64   `json:"liquidityUsd"`
	Volume24h    float64   `json:"volume24h"`
	VenueID      string    `json:"venueId"`
	PairID       string    `json:"pairId"`
	AsOf         time.Time `json:"asOf"`
}

// PriceSnapshot is the unit of broadcast and history: a fully composed
// price observation for a mint at a point in time.
type PriceSnapshot struct {
	Mint        string    `json:"mint"`
	PriceUSD    float64   `json:"priceUsd"`
	PriceNative float64   `json:"priceNative"`
	MarketCap   float64   `json:"marketCap"`
	TotalSupply float64   `json:"totalSupply"`
	AsOf        time.Time `json:"asOf"`
}

// HistoryEntry is one append-only history row.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	Mint        string    `json:"mint"`
	PriceUSD    float64   `json:"priceUsd"`
	PriceNative float64   `json:"priceNative"`
	MarketCap   float64   `json:"marketCap"`
	At          time.Time `json:"at"`
}

// HolderBalance is a single entry of the top-holder distribution,
// computed on demand from the chain.
type HolderBalance struct {
	Owner    string  `json:"owner"`
	Balance  float64 `json:"balance"`
	SharePct float64 `json:"sharePct"`
}

// Risk severity levels as reported per individual finding.
const (
	RiskLevelInfo   = "info"
	RiskLevelWarn   = "warn"
	RiskLevelDanger = "danger"
)

// Overall risk ratings derived from the normalised score.
const (
	RiskOverallLow      = "low"
	RiskOverallMedium   = "medium"
	RiskOverallHigh     = "high"
	RiskOverallCritical = "critical"
)

// RiskItem is one named finding from the risk report provider.
type RiskItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	Level       string  `json:"level"`
}

// RiskSummary counts findings by severity bucket.
type RiskSummary struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// RiskReport is the normalised output of the external risk scorer.
type RiskReport struct {
	Mint    string      `json:"mint"`
	Score   int         `json:"scoreNormalised"`
	Rugged  bool        `json:"rugged"`
	Risks   []RiskItem  `json:"risks"`
	Summary RiskSummary `json:"summary"`
	Overall string      `json:"overall"`
}

// TokenMetrics is the comprehensive per-token analytics payload served
// by the read API.
type TokenMetrics struct {
	Mint               string      `json:"mint"`
	Name               string      `json:"name,omitempty"`
	Symbol             string      `json:"symbol,omitempty"`
	TotalSupply        float64     `json:"totalSupply"`
	PriceUSD           float64     `json:"priceUsd"`
	PriceNative        float64     `json:"priceNative"`
	MarketCap          float64     `json:"marketCap"`
	ConcentrationRatio float64     `json:"concentrationRatio"`
	LastUpdated        time.Time   `json:"lastUpdated"`
	Risk               *RiskReport `json:"risk,omitempty"`
}
