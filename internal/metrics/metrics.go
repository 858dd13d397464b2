// Package metrics exposes the process-wide Prometheus instruments.
// Components record through the helpers here rather than holding
// instrument handles themselves.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	priceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpulse_price_updates_total",
		Help: "Price update attempts by outcome (success, invalid, error).",
	}, []string{"outcome"})

	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenpulse_price_update_duration_seconds",
		Help:    "Wall time of a single mint price update.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpulse_upstream_requests_total",
		Help: "Outbound calls by source (chain, aggregator, amm_api, risk) and outcome.",
	}, []string{"source", "outcome"})

	scheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenpulse_scheduled_jobs",
		Help: "Repeating price jobs currently registered.",
	})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenpulse_ws_connections",
		Help: "Live websocket connections.",
	})

	wsSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenpulse_ws_subscriptions",
		Help: "Live (connection, mint) subscription pairs.",
	})

	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenpulse_broadcasts_total",
		Help: "price_update events fanned out to rooms.",
	})

	bans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenpulse_bans_total",
		Help: "Mints banned after failing validation during polling.",
	})
)

// Handler serves the Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPriceUpdate counts one update attempt and its duration.
func RecordPriceUpdate(outcome string, seconds float64) {
	priceUpdates.WithLabelValues(outcome).Inc()
	updateDuration.Observe(seconds)
}

// RecordUpstream counts one outbound call to a named source.
func RecordUpstream(source, outcome string) {
	upstreamRequests.WithLabelValues(source, outcome).Inc()
}

// Outcome maps an error to the label recorded on upstream counters.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetScheduledJobs tracks the repeating-job population.
func SetScheduledJobs(n int) {
	scheduledJobs.Set(float64(n))
}

// ConnectionOpened / ConnectionClosed track websocket connection counts.
func ConnectionOpened() { wsConnections.Inc() }
func ConnectionClosed() { wsConnections.Dec() }

// SubscriptionAdded / SubscriptionRemoved track subscription pairs.
func SubscriptionAdded()   { wsSubscriptions.Inc() }
func SubscriptionRemoved() { wsSubscriptions.Dec() }

// RecordBroadcast counts one fan-out delivery batch.
func RecordBroadcast() { broadcasts.Inc() }

// RecordBan counts one ban-and-remove.
func RecordBan() { bans.Inc() }
