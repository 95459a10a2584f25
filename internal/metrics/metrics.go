// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package metrics provides Prometheus instrumentation for the store, the
// checkpoint scheduler, and the live fan-out path. Metrics are exposed at
// /metrics in Prometheus text format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store Metrics
	StoreCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_commit_duration_seconds",
			Help:    "Duration of atomic commit batches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"}, // "ok", "conflict", "not_found", "too_large", "timeout", "error"
	)

	StoreCommitRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_commit_records_total",
			Help: "Total number of log records written by committed batches",
		},
	)

	StoreUnfoldedLogBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_unfolded_log_bytes",
			Help: "Estimated bytes of log records not yet folded into the main store",
		},
	)

	// Checkpoint Metrics
	CheckpointRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpoint_runs_total",
			Help: "Total number of checkpoint runs by mode",
		},
		[]string{"mode"}, // "passive", "full", "aggressive"
	)

	CheckpointDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkpoint_duration_seconds",
			Help:    "Duration of checkpoint runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	CheckpointFoldedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_folded_records_total",
			Help: "Total number of log records folded by checkpoint runs",
		},
	)

	// Connection Metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Current number of live subscriber connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total number of accepted subscriber connections",
		},
	)

	ConnectionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_evicted_total",
			Help: "Total number of connections evicted by the registry",
		},
		[]string{"reason"}, // "evicted_capacity", "evicted_idle", "backpressure"
	)

	RoomSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "room_subscriptions",
			Help: "Current number of room subscriptions across all connections",
		},
	)

	// Broadcast Metrics
	BroadcastDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_events_delivered_total",
			Help: "Total number of events delivered to subscriber outbound buffers",
		},
	)

	BroadcastDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_dropped_total",
			Help: "Total number of events dropped before delivery",
		},
		[]string{"reason"}, // "backpressure", "droppable", "closed"
	)

	// Rate Limit Metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of operations rejected by rate limiting",
		},
		[]string{"scope"}, // "sustained", "burst", "connection"
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker transitions to open",
		},
		[]string{"name"},
	)

	// Event Bus Metrics
	BusPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total number of committed events published to the event bus",
		},
	)

	BusConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_consumed_total",
			Help: "Total number of events consumed from the event bus",
		},
	)
)

// RecordCommit records one commit attempt with its outcome status.
func RecordCommit(status string, duration time.Duration, records int) {
	StoreCommitDuration.WithLabelValues(status).Observe(duration.Seconds())
	if records > 0 {
		StoreCommitRecords.Add(float64(records))
	}
}

// RecordCheckpointRun records one checkpoint run.
func RecordCheckpointRun(mode string, seconds float64, folded int64) {
	CheckpointRuns.WithLabelValues(mode).Inc()
	CheckpointDuration.WithLabelValues(mode).Observe(seconds)
	if folded > 0 {
		CheckpointFoldedRecords.Add(float64(folded))
	}
}

// RecordCircuitBreakerState updates the gauge for a named breaker.
// States map to 0=closed, 1=half-open, 2=open.
func RecordCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// TrackConnection adjusts the active connection gauge.
func TrackConnection(open bool) {
	if open {
		ConnectionsActive.Inc()
		ConnectionsTotal.Inc()
	} else {
		ConnectionsActive.Dec()
	}
}
