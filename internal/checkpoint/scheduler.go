// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package checkpoint folds the durable log back into the main store without
// starving writers. Folding is triggered by the periodic scheduler tick or by
// the store's soft-threshold size signal, and escalates through three modes
// as the backlog grows.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/scheduler"
	"github.com/convosync/convosync/internal/store"
)

// LogStore is the slice of the store the scheduler needs.
type LogStore interface {
	UnfoldedLogBytes() int64
	SizeSignal() <-chan struct{}
	FoldLog(ctx context.Context, maxRecords int, block bool) (folded int64, remaining int64, err error)
	TruncateValueLog() error
}

// State of the scheduler's run machine: Idle -> Scheduled -> Running -> Idle.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Mode selects how aggressively one run folds.
type Mode string

const (
	// ModePassive folds a bounded batch without blocking any writer and may
	// leave the log non-empty.
	ModePassive Mode = "passive"

	// ModeFull briefly blocks new writers and folds everything.
	ModeFull Mode = "full"

	// ModeAggressive is a full fold plus value-log truncation, used when the
	// hard threshold signals sustained checkpoint starvation.
	ModeAggressive Mode = "aggressive"
)

// Config holds checkpoint scheduler configuration.
type Config struct {
	// Interval between periodic ticks. Default: 30s.
	Interval time.Duration

	// SoftThresholdBytes switches passive folds to full folds. Should match
	// the store's signal threshold. Default: 16MB.
	SoftThresholdBytes int64

	// HardThresholdBytes escalates to aggressive mode. Default: 5x soft.
	HardThresholdBytes int64

	// PassiveBatch bounds how many records a passive fold removes. Default: 1000.
	PassiveBatch int

	// MaxBlockFor bounds how long a full or aggressive fold may hold the
	// writer slot. On overrun the run aborts back to a passive fold and a
	// sooner re-run is scheduled. Default: 2s.
	MaxBlockFor time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	soft := int64(16 * 1024 * 1024)
	return Config{
		Interval:           30 * time.Second,
		SoftThresholdBytes: soft,
		HardThresholdBytes: 5 * soft,
		PassiveBatch:       1000,
		MaxBlockFor:        2 * time.Second,
	}
}

// RunStats describes the last completed run.
type RunStats struct {
	Mode           Mode
	Folded         int64
	RemainingBytes int64
	Elapsed        time.Duration
	At             time.Time
	Err            error
}

// Scheduler drives checkpoint runs. Serve watches the store's size signal;
// Tick is registered with the central periodic scheduler. A failed run is
// logged and retried on the next trigger, never surfaced to writers.
type Scheduler struct {
	store LogStore
	cfg   Config
	clock scheduler.Clock

	// kick requests a sooner re-run after an aborted blocking fold.
	kick chan struct{}

	mu      sync.Mutex
	state   State
	last    RunStats
	runs    int64
	aborted int64
}

// New creates a checkpoint scheduler.
func New(st LogStore, cfg Config, clock scheduler.Clock) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PassiveBatch <= 0 {
		cfg.PassiveBatch = 1000
	}
	if cfg.HardThresholdBytes <= 0 {
		cfg.HardThresholdBytes = 5 * cfg.SoftThresholdBytes
	}
	if cfg.MaxBlockFor <= 0 {
		cfg.MaxBlockFor = 2 * time.Second
	}
	if clock == nil {
		clock = scheduler.NewClock()
	}
	return &Scheduler{
		store: st,
		cfg:   cfg,
		clock: clock,
		kick:  make(chan struct{}, 1),
	}
}

// State returns the current run-machine state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns statistics for the most recent completed run.
func (s *Scheduler) LastRun() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Tick is the periodic trigger, registered with the central scheduler.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runOnce(ctx)
}

// Serve implements suture.Service: reacts to the store's soft-threshold
// signal and to internal re-run kicks between ticks.
func (s *Scheduler) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.store.SizeSignal():
			s.runOnce(ctx)
		case <-s.kick:
			s.runOnce(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Scheduler) String() string { return "checkpoint-scheduler" }

// PickMode selects the run mode from the current backlog size.
func (s *Scheduler) PickMode(unfoldedBytes int64) Mode {
	switch {
	case unfoldedBytes >= s.cfg.HardThresholdBytes:
		return ModeAggressive
	case unfoldedBytes >= s.cfg.SoftThresholdBytes:
		return ModeFull
	default:
		return ModePassive
	}
}

// runOnce performs one Idle -> Scheduled -> Running -> Idle cycle. If a run
// is already in flight the trigger is dropped; the backlog will be seen by
// the next trigger.
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateScheduled
	mode := s.PickMode(s.store.UnfoldedLogBytes())
	s.state = StateRunning
	s.mu.Unlock()

	start := s.clock.Now()
	folded, remaining, err := s.run(ctx, mode)
	elapsed := s.clock.Now().Sub(start)

	stats := RunStats{
		Mode:           mode,
		Folded:         folded,
		RemainingBytes: remaining,
		Elapsed:        elapsed,
		At:             start,
		Err:            err,
	}

	s.mu.Lock()
	s.state = StateIdle
	s.last = stats
	s.runs++
	s.mu.Unlock()

	metrics.RecordCheckpointRun(string(mode), elapsed.Seconds(), folded)

	if err != nil {
		// Never fatal: write availability takes priority over compaction.
		// The next tick or size signal retries.
		logging.Warn().Err(err).Str("mode", string(mode)).Msg("checkpoint run failed, will retry on next trigger")
		return
	}
	if folded > 0 {
		logging.Info().
			Str("mode", string(mode)).
			Int64("folded", folded).
			Int64("remaining_bytes", remaining).
			Dur("elapsed", elapsed).
			Msg("checkpoint completed")
	}
}

func (s *Scheduler) run(ctx context.Context, mode Mode) (int64, int64, error) {
	switch mode {
	case ModePassive:
		return s.store.FoldLog(ctx, s.cfg.PassiveBatch, false)

	case ModeFull, ModeAggressive:
		blockCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxBlockFor)
		folded, remaining, err := s.store.FoldLog(blockCtx, 0, true)
		cancel()

		if store.IsTimeout(err) {
			// Blocking budget exhausted: abort back to passive and ask for a
			// sooner re-run instead of holding the writer slot any longer.
			s.mu.Lock()
			s.aborted++
			s.mu.Unlock()
			logging.Warn().
				Str("mode", string(mode)).
				Dur("max_block", s.cfg.MaxBlockFor).
				Int64("folded_before_abort", folded).
				Msg("checkpoint exceeded blocking budget, falling back to passive")

			pf, pr, perr := s.store.FoldLog(ctx, s.cfg.PassiveBatch, false)
			s.requestRerun()
			return folded + pf, pr, perr
		}
		if err != nil {
			return folded, remaining, err
		}

		if mode == ModeAggressive {
			if gcErr := s.store.TruncateValueLog(); gcErr != nil {
				logging.Warn().Err(gcErr).Msg("value log truncation failed")
			}
		}
		return folded, remaining, nil

	default:
		return s.store.FoldLog(ctx, s.cfg.PassiveBatch, false)
	}
}

func (s *Scheduler) requestRerun() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
