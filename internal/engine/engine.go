// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package engine is the write path: it commits operation batches to the
// store behind a circuit breaker and, only after the commit is durable,
// publishes the resulting events on the bus. Broadcast happens strictly
// after commit so a subscriber never observes an event the log could lose.
package engine

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/convosync/convosync/internal/eventbus"
	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/models"
	"github.com/convosync/convosync/internal/store"
)

// CircuitBreakerConfig controls the breaker guarding the storage layer.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive storage failures trip the breaker open.
	// Default: 5.
	FailureThreshold uint32

	// Timeout the breaker stays open before probing half-open. Default: 10s.
	Timeout time.Duration

	// MaxRequests allowed through while half-open. Default: 1.
	MaxRequests uint32
}

// Engine serializes the commit-then-broadcast contract.
type Engine struct {
	store *store.Store
	bus   *eventbus.Bus
	cb    *gobreaker.CircuitBreaker[[]models.LogRecord]
}

// New creates an engine over the store and bus.
func New(st *store.Store, bus *eventbus.Bus, cfg CircuitBreakerConfig) *Engine {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        "store-commit",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Rejections the caller caused are not storage failures and must not
		// open the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, store.ErrConflict) ||
				errors.Is(err, store.ErrNotFound) ||
				errors.Is(err, store.ErrTooLarge) ||
				errors.Is(err, store.ErrInvalidOperation) {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordCircuitBreakerState(name, int(to))
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &Engine{
		store: st,
		bus:   bus,
		cb:    gobreaker.NewCircuitBreaker[[]models.LogRecord](settings),
	}
}

// Commit writes the batch durably and then publishes the committed events.
// The records are returned to the caller with their assigned sequence
// numbers. A publish failure is logged but does not fail the commit: the
// data is durable and reachable through the log read path.
func (e *Engine) Commit(ctx context.Context, ops []store.Operation) ([]models.LogRecord, error) {
	start := time.Now()
	records, err := e.cb.Execute(func() ([]models.LogRecord, error) {
		return e.store.Commit(ctx, ops)
	})
	metrics.RecordCommit(commitStatus(err), time.Since(start), len(records))
	if err != nil {
		return nil, err
	}

	events := make([]*models.Event, 0, len(records))
	for i := range records {
		events = append(events, models.RecordEvent(&records[i]))
	}
	if len(events) > 0 {
		if pubErr := e.bus.PublishCommitted(events); pubErr != nil {
			logging.Error().Err(pubErr).
				Int("events", len(events)).
				Msg("failed to publish committed events, subscribers must catch up via log")
		}
	}
	return records, nil
}

// BreakerState reports the current breaker state for health reporting.
func (e *Engine) BreakerState() string {
	return e.cb.State().String()
}

func commitStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrTooLarge):
		return "too_large"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case store.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
