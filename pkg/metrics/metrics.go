package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SecurityEvents counts emitted security events by type and severity
var SecurityEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "freelanceos_security_events_total",
		Help: "Total number of security events emitted",
	},
	[]string{"type", "severity"},
)

// Rate limiter metrics
var (
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freelanceos_ratelimit_decisions_total",
			Help: "Rate limit decisions by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	RateLimitBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freelanceos_ratelimit_blocks_total",
			Help: "Clients blocked after exhausting a category budget",
		},
		[]string{"category"},
	)

	CacheLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freelanceos_cache_op_latency_seconds",
			Help:    "Latency in seconds of cache store operations",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)

// Degraded counts fallbacks taken because a dependency failed
var Degraded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "freelanceos_degraded_total",
		Help: "Requests served in degraded mode by component",
	},
	[]string{"component"},
)

// Secret store metrics
var (
	SecretRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freelanceos_secret_rotations_total",
			Help: "Secret rotations by secret type",
		},
		[]string{"type"},
	)

	SecretsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freelanceos_secrets_active",
			Help: "Number of active secrets held by the store",
		},
	)
)

// ErrorsClassified counts errors mapped at the HTTP boundary
var ErrorsClassified = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "freelanceos_errors_classified_total",
		Help: "Errors classified by the error mapper, by kind",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(SecurityEvents)
	prometheus.MustRegister(RateLimitDecisions, RateLimitBlocks, CacheLatency)
	prometheus.MustRegister(Degraded)
	prometheus.MustRegister(SecretRotations, SecretsActive)
	prometheus.MustRegister(ErrorsClassified)
}
