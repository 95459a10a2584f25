// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package transport wires the WebSocket endpoint, health checks, and the
// metrics exporter into a single HTTP server managed by the supervision
// tree.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/store"
	"github.com/convosync/convosync/internal/ws"
)

// Config holds HTTP server configuration.
type Config struct {
	// Addr to listen on, host:port.
	Addr string

	// ShutdownTimeout for graceful drain. Default: 10s.
	ShutdownTimeout time.Duration

	// IPRequestsPerMinute caps all requests per client IP before the
	// per-principal limits apply. Default: 300.
	IPRequestsPerMinute int
}

// HealthSource exposes the pieces of runtime state the health endpoint
// reports.
type HealthSource struct {
	Store        *store.Store
	BreakerState func() string
	Connections  func() int
}

// NewRouter builds the chi router for the service.
func NewRouter(cfg Config, wsHandler *ws.Handler, health HealthSource) chi.Router {
	if cfg.IPRequestsPerMinute <= 0 {
		cfg.IPRequestsPerMinute = 300
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.Limit(
		cfg.IPRequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/healthz", healthHandler(health))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func healthHandler(h HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if h.Store != nil {
			stats := h.Store.Stats()
			body["last_seq"] = stats.LastSeq
			body["fold_seq"] = stats.FoldSeq
			body["unfolded_log_bytes"] = stats.UnfoldedBytes
		}
		if h.BreakerState != nil {
			state := h.BreakerState()
			body["breaker"] = state
			if state == "open" {
				body["status"] = "degraded"
			}
		}
		if h.Connections != nil {
			body["connections"] = h.Connections()
		}

		w.Header().Set("Content-Type", "application/json")
		if body["status"] != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logging.Error().Err(err).Msg("failed to write health response")
		}
	}
}

// Service runs the HTTP server under suture with graceful shutdown.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewService wraps a router in a supervised HTTP server.
func NewService(cfg Config, handler http.Handler) *Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Service{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Service) String() string { return "http-server" }
