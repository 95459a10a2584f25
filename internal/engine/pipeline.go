// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package engine

import (
	"context"

	"github.com/convosync/convosync/internal/broker"
	"github.com/convosync/convosync/internal/eventbus"
	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/models"
)

// Pipeline consumes committed events from the bus and fans them out to the
// rooms they belong to. It runs under the supervision tree; restarting it
// re-subscribes to the bus.
type Pipeline struct {
	bus    *eventbus.Bus
	broker *broker.Broker
}

// NewPipeline creates the fan-out pipeline.
func NewPipeline(bus *eventbus.Bus, br *broker.Broker) *Pipeline {
	return &Pipeline{bus: bus, broker: br}
}

// Serve implements suture.Service. It blocks until ctx is cancelled or the
// bus closes the subscription.
func (p *Pipeline) Serve(ctx context.Context) error {
	msgs, err := p.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	logging.Info().Msg("broadcast pipeline started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			metrics.BusConsumed.Inc()
			ev, decErr := models.DecodeEvent(msg.Payload)
			if decErr != nil {
				logging.Error().Err(decErr).
					Str("message_uuid", msg.UUID).
					Msg("dropping undecodable event from bus")
				msg.Ack()
				continue
			}
			delivered := p.broker.BroadcastToRoom(ev.Room, ev, "")
			logging.Trace().
				Str("event_type", ev.Type).
				Str("room", ev.Room).
				Uint64("seq", ev.Seq).
				Int("delivered", delivered).
				Msg("event broadcast")
			msg.Ack()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (p *Pipeline) String() string { return "broadcast-pipeline" }
