// Package metrics provides Prometheus metrics for opsboard.
// Counters, gauges and histograms for submissions, readings, the task feed,
// refresh signals, and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Submissions ────────────────────────────────────────────────────────────

// Submissions counts submit attempts by outcome
// (ok, validation, partial_upload, persistence).
var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "submissions_total",
	Help:      "Completion submissions by outcome.",
}, []string{"outcome"})

// ValidationFailures counts blocked submissions by rule.
var ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "validation_failures_total",
	Help:      "Submissions blocked by form validation.",
}, []string{"rule"})

// SubmitLatency tracks end-to-end submit duration in seconds.
var SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "opsboard",
	Name:      "submit_latency_seconds",
	Help:      "Completion submit duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
})

// PhotoUploadFailures counts photos that failed to reach the object store.
var PhotoUploadFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "photo_upload_failures_total",
	Help:      "Photo uploads that failed during submission.",
})

// FollowUpsCreated counts monitor re-check tasks created.
var FollowUpsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "follow_ups_created_total",
	Help:      "Follow-up re-check tasks created by monitor actions.",
})

// ─── Readings ───────────────────────────────────────────────────────────────

// Readings counts persisted temperature readings by status (ok, critical).
var Readings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "temperature_readings_total",
	Help:      "Persisted temperature readings by status.",
}, []string{"status"})

// RemediationActions counts handled out-of-range readings by kind.
var RemediationActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "remediation_actions_total",
	Help:      "Remediation actions recorded by kind.",
}, []string{"kind"})

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionsOpen tracks completion sessions currently open.
var SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opsboard",
	Name:      "sessions_open",
	Help:      "Completion sessions currently open.",
})

// ─── Feed ───────────────────────────────────────────────────────────────────

// FeedRefreshLatency tracks one full fetch-and-expand pass in seconds.
var FeedRefreshLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "opsboard",
	Name:      "feed_refresh_seconds",
	Help:      "Task feed recompute duration in seconds.",
	Buckets:   prometheus.DefBuckets,
})

// FeedInstances tracks the size of the last computed feed by list.
var FeedInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "opsboard",
	Name:      "feed_instances",
	Help:      "Instances in the last computed feed.",
}, []string{"list"})

// FeedWarnings counts resolution warnings surfaced by kind.
var FeedWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "feed_warnings_total",
	Help:      "Warnings surfaced while building the feed.",
}, []string{"kind"})

// RefreshSignals counts published refresh signals by reason.
var RefreshSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsboard",
	Name:      "refresh_signals_total",
	Help:      "Refresh signals published by reason.",
}, []string{"reason"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "opsboard",
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})
