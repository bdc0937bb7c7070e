// Package metrics holds the relay's Prometheus collectors. They register on
// the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chunkrelay"

// Label values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"

	OutcomeDelivered = "delivered"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"

	AttemptSuccess = "success"
	AttemptRetry   = "retry"
	AttemptFailure = "failure"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Upload sessions opened",
	})

	// Chunks counts attachments by result: accepted, rejected (bad index or no
	// session) or failed (store error).
	Chunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_total",
		Help:      "Chunk attachments processed",
	}, []string{"result"})

	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_finalized_total",
		Help:      "Stop requests by outcome",
	}, []string{"outcome"})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_expired_total",
		Help:      "Open sessions closed by the sweeper",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Active-session cache entries evicted by age",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries in the active-session cache",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Downloader upload attempts by result",
	}, []string{"result"})

	DeliveredBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivered_script_bytes",
		Help:      "Size of delivered downloader programs",
		Buckets:   prometheus.ExponentialBuckets(512, 2, 10),
	})

	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open websocket connections",
	})

	GatewayEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_dropped_total",
		Help:      "Inbound events dropped before reaching the session manager",
	}, []string{"reason"})
)
