// Package metrics declares the Prometheus collectors shared by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreLatency records the latency of every storage operation by name.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelchat_store_operation_seconds",
		Help:    "Latency of storage operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SyncEvents counts profile sync events by action and outcome.
	SyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelchat_profile_sync_events_total",
		Help: "Profile sync events processed, by action and outcome.",
	}, []string{"action", "outcome"})

	// ConsumerState exposes the profile sync consumer state as a number
	// (0 disconnected, 1 connecting, 2 consuming).
	ConsumerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelchat_profile_sync_state",
		Help: "Profile sync consumer connection state.",
	})

	// ConsumerReconnects counts queue reconnect attempts.
	ConsumerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixelchat_profile_sync_reconnects_total",
		Help: "Profile sync queue reconnect attempts.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelchat_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelchat_http_request_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// ObserveStore records the time elapsed since start for op. Intended for
// use with defer.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
