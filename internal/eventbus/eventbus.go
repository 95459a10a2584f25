// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package eventbus decouples the commit path from live fan-out. Committed
// log records are published as events on an in-process pub/sub channel; the
// broadcast pipeline consumes them on its own goroutine so a slow fan-out
// never delays an acknowledged write.
package eventbus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/models"
)

// TopicCommitted carries events for records that reached durable storage.
const TopicCommitted = "events.committed"

// Bus wraps an in-process Watermill pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates the bus. bufferSize bounds how many published events may be
// outstanding per subscriber before Publish blocks.
func New(bufferSize int64) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: bufferSize},
			newLoggerAdapter(),
		),
	}
}

// PublishCommitted publishes the events produced by one committed batch, in
// record order.
func (b *Bus) PublishCommitted(events []*models.Event) error {
	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		payload, err := ev.Encode()
		if err != nil {
			return err
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("event_type", ev.Type)
		msgs = append(msgs, msg)
	}
	if err := b.pubsub.Publish(TopicCommitted, msgs...); err != nil {
		return err
	}
	metrics.BusPublished.Add(float64(len(msgs)))
	return nil
}

// Subscribe returns the committed-event stream. The channel closes when ctx
// is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicCommitted)
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// loggerAdapter routes Watermill's internal logging through zerolog.
type loggerAdapter struct {
	fields watermill.LogFields
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.event(logging.Error().Err(err), fields).Msg(msg)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.event(logging.Trace(), fields).Msg(msg)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := l.fields.Add(fields)
	return &loggerAdapter{fields: merged}
}

func (l *loggerAdapter) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
