// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package metrics holds the Prometheus instrumentation for the ingestion
// pipeline, the refresh orchestrator and the HTTP API.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream fetch metrics
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardpulse_upstream_request_duration_seconds",
			Help:    "Duration of upstream API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance", "resource"},
	)

	UpstreamPagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_upstream_pages_fetched_total",
			Help: "Total number of upstream pages fetched",
		},
		[]string{"instance", "resource"},
	)

	UpstreamRowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_upstream_rows_fetched_total",
			Help: "Rows received from upstream before deduplication",
		},
		[]string{"instance", "resource"},
	)

	UpstreamRowsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_upstream_rows_deduplicated_total",
			Help: "Rows dropped because their dedup key was already present",
		},
		[]string{"resource"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_upstream_errors_total",
			Help: "Upstream failures by instance and kind",
		},
		[]string{"instance", "kind"}, // kind: auth, page, rate_limited, circuit_open
	)

	UpstreamLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_upstream_logins_total",
			Help: "Authentication round-trips per instance",
		},
		[]string{"instance", "result"},
	)

	// Analytics metrics
	AnalyticsRowsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cardpulse_analytics_rows_fetched_total",
			Help: "Analytics report rows fetched",
		},
	)

	// Snapshot store metrics
	SnapshotOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_snapshot_operations_total",
			Help: "Snapshot store operations by type and result",
		},
		[]string{"type", "op"}, // op: write, write_error, skip, malformed
	)

	// Rollup metrics
	RollupBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cardpulse_rollup_build_duration_seconds",
			Help:    "Time to build and persist one daily document",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	RollupFIs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_rollup_fi_count",
			Help: "Number of FI buckets in the most recently built daily document",
		},
	)

	DailyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cardpulse_daily_cache_hits_total",
			Help: "Daily document cache hits",
		},
	)

	DailyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cardpulse_daily_cache_misses_total",
			Help: "Daily document cache misses",
		},
	)

	// Refresh orchestrator metrics
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_refresh_runs_total",
			Help: "Refresh runs by outcome",
		},
		[]string{"outcome"}, // done, failed
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cardpulse_refresh_duration_seconds",
			Help:    "Duration of refresh runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	RefreshRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_refresh_running",
			Help: "1 while a refresh job is running",
		},
	)

	RefreshLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_refresh_last_success_timestamp",
			Help: "Unix timestamp of the last successful refresh",
		},
	)

	RefreshSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_refresh_subscribers",
			Help: "Currently subscribed refresh observers",
		},
	)

	RefreshSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cardpulse_refresh_subscribers_dropped_total",
			Help: "Observers dropped because their buffer was full",
		},
	)

	ScheduledRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_scheduled_refreshes_total",
			Help: "Scheduled refresh triggers by outcome (started, joined, error)",
		},
		[]string{"outcome"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cardpulse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardpulse_api_requests_total",
			Help: "API requests by method, endpoint and status",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardpulse_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_api_requests_in_flight",
			Help: "API requests currently being served, including open refresh streams",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardpulse_websocket_connections",
			Help: "Active websocket connections",
		},
	)
)

// RecordUpstreamPage records one page fetched from an instance.
func RecordUpstreamPage(instance, resource string, rows int, duration time.Duration) {
	UpstreamRequestDuration.WithLabelValues(instance, resource).Observe(duration.Seconds())
	UpstreamPagesFetched.WithLabelValues(instance, resource).Inc()
	UpstreamRowsFetched.WithLabelValues(instance, resource).Add(float64(rows))
}

// RecordUpstreamError classifies and counts an upstream failure.
func RecordUpstreamError(instance string, err error) {
	if err == nil {
		return
	}
	UpstreamErrors.WithLabelValues(instance, classifyError(err)).Inc()
}

// RecordLogin counts an authentication attempt.
func RecordLogin(instance string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	UpstreamLogins.WithLabelValues(instance, result).Inc()
}

// RecordSnapshotOp counts a snapshot store operation.
func RecordSnapshotOp(snapshotType, op string) {
	SnapshotOperations.WithLabelValues(snapshotType, op).Inc()
}

// RecordRollupBuild records one daily document build.
func RecordRollupBuild(duration time.Duration, fiCount int) {
	RollupBuildDuration.Observe(duration.Seconds())
	RollupFIs.Set(float64(fiCount))
}

// RecordRefreshRun records the end of a refresh run.
func RecordRefreshRun(duration time.Duration, err error) {
	RefreshDuration.Observe(duration.Seconds())
	if err != nil {
		RefreshRuns.WithLabelValues("failed").Inc()
		return
	}
	RefreshRuns.WithLabelValues("done").Inc()
	RefreshLastSuccess.Set(float64(time.Now().Unix()))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker"):
		return "circuit_open"
	case strings.Contains(msg, "rate limit"):
		return "rate_limited"
	case strings.Contains(msg, "auth"), strings.Contains(msg, "login"):
		return "auth"
	case strings.Contains(msg, "page"):
		return "page"
	default:
		return "other"
	}
}
