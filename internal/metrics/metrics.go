package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatroom_connections_active",
			Help: "Currently open client connections",
		},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_auth_attempts_total",
			Help: "Authentication attempts",
		},
		[]string{"method", "result"}, // login|resume|register, ok|fail
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatroom_slow_consumers_total",
			Help: "Connections closed because their outgoing queue was full",
		},
	)

	// Session metrics
	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatroom_sessions_evicted_total",
			Help: "Sessions detached by the liveness monitor",
		},
	)

	TokensExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatroom_tokens_expired_total",
			Help: "Detached sessions purged after the token TTL",
		},
	)

	// Room metrics
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_broadcasts_total",
			Help: "Lines broadcast to rooms",
		},
		[]string{"kind"}, // user, ai, system
	)

	AILatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatroom_ai_latency_seconds",
			Help:    "AI generation latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	AIFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_ai_failures_total",
			Help: "AI generation failures",
		},
		[]string{"reason"}, // error, timeout, busy
	)

	// Persistence metrics
	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroom_persist_failures_total",
			Help: "Persistence writes that failed or were dropped",
		},
		[]string{"op", "reason"}, // create|append|context, error|dropped
	)

	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatroom_persist_latency_seconds",
			Help:    "Persistence write latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
	)
)
