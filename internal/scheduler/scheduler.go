// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package scheduler centralizes the backbone's periodic work: checkpoint
// ticks, idle-connection sweeps, and rate-limit cleanup all run as jobs of
// one scheduler with an injectable clock, instead of ad-hoc timers scattered
// across components.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/convosync/convosync/internal/logging"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
}

// Scheduler runs registered jobs on their intervals until the context is
// canceled. It implements suture.Service.
type Scheduler struct {
	clock Clock

	mu   sync.Mutex
	jobs []Job
}

// New creates a scheduler using the given clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = NewClock()
	}
	return &Scheduler{clock: clock}
}

// Add registers a periodic job. Must be called before Serve.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Fn: fn})
}

// Serve implements suture.Service: one goroutine per job, all stopped when
// the context is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.runJob(ctx, j)
		}(job)
	}

	<-ctx.Done()
	wg.Wait()
	logging.Info().Int("jobs", len(jobs)).Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	ticker := s.clock.NewTicker(j.Interval)
	defer ticker.Stop()

	logging.Debug().Str("job", j.Name).Dur("interval", j.Interval).Msg("scheduler job started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			j.Fn(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Scheduler) String() string { return "scheduler" }
