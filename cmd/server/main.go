// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Command server runs the ConvoSync node: the embedded conversation store,
// the checkpoint scheduler, and the WebSocket fan-out endpoint, all under
// one supervision tree.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convosync/convosync/internal/broker"
	"github.com/convosync/convosync/internal/checkpoint"
	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/engine"
	"github.com/convosync/convosync/internal/eventbus"
	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/ratelimit"
	"github.com/convosync/convosync/internal/registry"
	"github.com/convosync/convosync/internal/scheduler"
	"github.com/convosync/convosync/internal/store"
	"github.com/convosync/convosync/internal/supervisor"
	"github.com/convosync/convosync/internal/transport"
	"github.com/convosync/convosync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logging.Info().
		Str("store_path", cfg.Store.Path).
		Str("addr", cfg.Server.Addr()).
		Msg("Starting ConvoSync")

	// Storage.
	durability := store.DurabilityRelaxed
	if cfg.Store.Durability == "strict" {
		durability = store.DurabilityStrict
	}
	st, err := store.Open(store.Config{
		Path:               cfg.Store.Path,
		Durability:         durability,
		MaxTxnRows:         cfg.Store.MaxTxnRows,
		SoftThresholdBytes: cfg.Store.SoftThresholdBytes,
		Compression:        cfg.Store.Compression,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().
		Uint64("last_seq", st.LastSeq()).
		Int64("unfolded_bytes", st.UnfoldedLogBytes()).
		Msg("Store opened")

	// Fan-out plumbing.
	bus := eventbus.New(cfg.Broadcast.BusBuffer)
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()
	eng := engine.New(st, bus, engine.CircuitBreakerConfig{})

	var wsHandler *ws.Handler
	reg := registry.New(cfg.Limits.MaxConnections, func(connID string, reason registry.CloseReason) {
		if wsHandler != nil {
			wsHandler.CloseConn(connID, reason)
		}
	})
	br := broker.New(reg, broker.Config{
		Policy: broker.DropPolicy(cfg.Broadcast.DropPolicy),
	})
	limiter := ratelimit.New(ratelimit.Config{
		SustainedPerWindow: cfg.Limits.SustainedPerMinute,
		SustainedWindow:    time.Minute,
		BurstSize:          cfg.Limits.BurstSize,
		ConnPerWindow:      cfg.Limits.ConnPerMinute,
		ConnWindow:         time.Minute,
	}, nil)
	wsHandler = ws.NewHandler(ws.Config{
		MaxQueueBytes:  cfg.Broadcast.QueueBytes,
		MaxQueueEvents: cfg.Broadcast.QueueEvents,
	}, reg, br, eng, limiter)

	// Periodic work.
	clock := scheduler.NewClock()
	ckpt := checkpoint.New(st, checkpoint.Config{
		Interval:           cfg.Checkpoint.Interval,
		SoftThresholdBytes: cfg.Store.SoftThresholdBytes,
		HardThresholdBytes: cfg.Checkpoint.HardFactor * cfg.Store.SoftThresholdBytes,
		PassiveBatch:       cfg.Checkpoint.PassiveBatch,
		MaxBlockFor:        cfg.Checkpoint.MaxBlockFor,
	}, clock)

	periodic := scheduler.New(clock)
	periodic.Add("checkpoint", cfg.Checkpoint.Interval, func(ctx context.Context) {
		metrics.StoreUnfoldedLogBytes.Set(float64(st.UnfoldedLogBytes()))
		ckpt.Tick(ctx)
	})
	periodic.Add("idle-sweep", time.Minute, func(ctx context.Context) {
		if n := reg.SweepIdle(time.Now().Add(-cfg.Limits.IdleTimeout)); n > 0 {
			logging.Info().Int("evicted", n).Msg("Idle connections swept")
		}
	})
	periodic.Add("limiter-sweep", 10*time.Minute, func(ctx context.Context) {
		limiter.Sweep()
	})

	// Supervision tree.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddStorageService(ckpt)
	tree.AddStorageService(periodic)
	tree.AddMessagingService(engine.NewPipeline(bus, br))

	router := transport.NewRouter(transport.Config{
		Addr:                cfg.Server.Addr(),
		IPRequestsPerMinute: cfg.Server.IPRequestsPerMinute,
	}, wsHandler, transport.HealthSource{
		Store:        st,
		BreakerState: eng.BreakerState,
		Connections:  reg.Len,
	})
	tree.AddIngressService(transport.NewService(transport.Config{
		Addr:            cfg.Server.Addr(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
	}
	logging.Info().Msg("Shutdown complete")
}
