package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests tracks upstream requests per instance and outcome
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniwatch_api_requests_total",
			Help: "Total number of StopMonitoring requests",
		},
		[]string{"instance", "status"},
	)

	// APIRequestDuration tracks upstream request latency
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muniwatch_api_request_duration_seconds",
			Help:    "StopMonitoring request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance"},
	)

	// APIRetries tracks retry attempts after a retryable failure
	APIRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniwatch_api_retries_total",
			Help: "Total number of request retries",
		},
		[]string{"instance"},
	)

	// RateLimitWaits tracks requests that were held back by the rate limiter
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniwatch_rate_limit_waits_total",
			Help: "Total number of requests delayed by the rate limiter",
		},
		[]string{"instance"},
	)

	// CacheLookups tracks fallback cache lookups by result (hit, miss)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniwatch_cache_lookups_total",
			Help: "Total number of fallback cache lookups",
		},
		[]string{"instance", "result"},
	)

	// UpdateCycles tracks coordinator update cycles by result
	UpdateCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniwatch_update_cycles_total",
			Help: "Total number of update cycles",
		},
		[]string{"instance", "result"},
	)

	// ConsecutiveFailures tracks the coordinator failure streak
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muniwatch_consecutive_failures",
			Help: "Consecutive update cycles that produced no data",
		},
		[]string{"instance"},
	)
)
