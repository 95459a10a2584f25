// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package ratelimit enforces per-principal message budgets and per-address
// connection-attempt budgets using token buckets. Time is injected so limits
// can be tested deterministically.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/convosync/convosync/internal/metrics"
)

// Scope identifies which budget rejected an operation.
type Scope string

const (
	ScopeSustained  Scope = "sustained"
	ScopeBurst      Scope = "burst"
	ScopeConnection Scope = "connection"
)

// RateLimitedError reports a rejected operation with a retry hint.
type RateLimitedError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

// Config holds rate limiter configuration.
type Config struct {
	// SustainedPerWindow messages per principal per SustainedWindow.
	// Default: 120 per minute.
	SustainedPerWindow int
	SustainedWindow    time.Duration

	// BlockFactor scales the cooldown applied after a sustained violation:
	// the principal is blocked for BlockFactor * SustainedWindow. Default: 5.
	BlockFactor int

	// BurstSize messages allowed back to back before the burst bucket
	// rejects. Default: 20.
	BurstSize int

	// ConnPerWindow connection attempts per remote address per ConnWindow.
	// Default: 10 per minute.
	ConnPerWindow int
	ConnWindow    time.Duration

	// IdleTTL after which an unused principal or address entry is swept.
	// Default: 1h.
	IdleTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SustainedPerWindow: 120,
		SustainedWindow:    time.Minute,
		BlockFactor:        5,
		BurstSize:          20,
		ConnPerWindow:      10,
		ConnWindow:         time.Minute,
		IdleTTL:            time.Hour,
	}
}

// entry tracks one principal's buckets. blockedUntil is set when the
// sustained bucket rejects, forcing a cooldown rather than letting the
// principal ride the refill edge.
type entry struct {
	sustained    *rate.Limiter
	burst        *rate.Limiter
	blockedUntil time.Time
	lastAccess   time.Time
}

// Limiter owns all tracked principals and remote addresses.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	principals map[string]*entry
	addrs      map[string]*entry
}

// New creates a limiter. now may be nil, in which case time.Now is used.
func New(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.SustainedPerWindow <= 0 {
		cfg.SustainedPerWindow = def.SustainedPerWindow
	}
	if cfg.SustainedWindow <= 0 {
		cfg.SustainedWindow = def.SustainedWindow
	}
	if cfg.BlockFactor <= 0 {
		cfg.BlockFactor = def.BlockFactor
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.ConnPerWindow <= 0 {
		cfg.ConnPerWindow = def.ConnPerWindow
	}
	if cfg.ConnWindow <= 0 {
		cfg.ConnWindow = def.ConnWindow
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:        cfg,
		now:        now,
		principals: make(map[string]*entry),
		addrs:      make(map[string]*entry),
	}
}

// CheckMessage charges one message against the principal's sustained and
// burst budgets. Returns nil if allowed, or a *RateLimitedError naming the
// budget that rejected.
func (l *Limiter) CheckMessage(principal string) error {
	now := l.now()
	refill := l.cfg.SustainedWindow / time.Duration(l.cfg.SustainedPerWindow)

	l.mu.Lock()
	e := l.principalLocked(principal, now)
	e.lastAccess = now

	if now.Before(e.blockedUntil) {
		retry := e.blockedUntil.Sub(now)
		l.mu.Unlock()
		metrics.RateLimitRejections.WithLabelValues(string(ScopeSustained)).Inc()
		return &RateLimitedError{Scope: ScopeSustained, RetryAfter: retry}
	}

	if !e.burst.AllowN(now, 1) {
		l.mu.Unlock()
		metrics.RateLimitRejections.WithLabelValues(string(ScopeBurst)).Inc()
		return &RateLimitedError{Scope: ScopeBurst, RetryAfter: refill}
	}

	if !e.sustained.AllowN(now, 1) {
		cooldown := time.Duration(l.cfg.BlockFactor) * l.cfg.SustainedWindow
		e.blockedUntil = now.Add(cooldown)
		l.mu.Unlock()
		metrics.RateLimitRejections.WithLabelValues(string(ScopeSustained)).Inc()
		return &RateLimitedError{Scope: ScopeSustained, RetryAfter: cooldown}
	}

	l.mu.Unlock()
	return nil
}

// CheckConnectionAttempt charges one attempt against the remote address.
func (l *Limiter) CheckConnectionAttempt(addr string) error {
	now := l.now()

	l.mu.Lock()
	e, ok := l.addrs[addr]
	if !ok {
		e = &entry{
			sustained: rate.NewLimiter(
				rate.Every(l.cfg.ConnWindow/time.Duration(l.cfg.ConnPerWindow)),
				l.cfg.ConnPerWindow,
			),
		}
		l.addrs[addr] = e
	}
	e.lastAccess = now
	allowed := e.sustained.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(string(ScopeConnection)).Inc()
		return &RateLimitedError{
			Scope:      ScopeConnection,
			RetryAfter: l.cfg.ConnWindow / time.Duration(l.cfg.ConnPerWindow),
		}
	}
	return nil
}

// Forget drops tracked state for a principal, typically on disconnect of
// their last connection.
func (l *Limiter) Forget(principal string) {
	l.mu.Lock()
	delete(l.principals, principal)
	l.mu.Unlock()
}

// Sweep removes entries idle past the configured TTL and returns how many
// were removed. Registered with the periodic scheduler.
func (l *Limiter) Sweep() int {
	now := l.now()
	cutoff := now.Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.principals {
		if e.lastAccess.Before(cutoff) {
			delete(l.principals, k)
			removed++
		}
	}
	for k, e := range l.addrs {
		if e.lastAccess.Before(cutoff) {
			delete(l.addrs, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) principalLocked(principal string, now time.Time) *entry {
	e, ok := l.principals[principal]
	if !ok {
		refill := l.cfg.SustainedWindow / time.Duration(l.cfg.SustainedPerWindow)
		e = &entry{
			sustained: rate.NewLimiter(rate.Every(refill), l.cfg.SustainedPerWindow),
			burst:     rate.NewLimiter(rate.Limit(l.cfg.BurstSize), l.cfg.BurstSize),
		}
		// Both buckets start full; the first AllowN relative to the injected
		// clock spends from the initial burst.
		e.sustained.AllowN(now, 0)
		e.burst.AllowN(now, 0)
		l.principals[principal] = e
	}
	return e
}
