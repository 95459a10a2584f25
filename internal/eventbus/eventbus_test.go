// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/convosync/convosync/internal/models"
)

func TestPublishCommittedRoundTrip(t *testing.T) {
	bus := New(16)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	events := []*models.Event{
		{Type: models.EventTypeConversationCreated, Room: "conversation:c1", Seq: 1},
		{Type: models.EventTypeMessageAppended, Room: "conversation:c1", Seq: 2,
			Data: json.RawMessage(`{"id":"m1"}`)},
	}
	if err := bus.PublishCommitted(events); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, want := range events {
		select {
		case msg := <-msgs:
			ev, err := models.DecodeEvent(msg.Payload)
			if err != nil {
				t.Fatalf("decode event %d: %v", i, err)
			}
			if ev.Type != want.Type || ev.Seq != want.Seq {
				t.Errorf("event %d: got %s/%d, want %s/%d", i, ev.Type, ev.Seq, want.Type, want.Seq)
			}
			if got := msg.Metadata.Get("event_type"); got != want.Type {
				t.Errorf("event %d metadata %q, want %q", i, got, want.Type)
			}
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestSubscriberChannelClosesOnCancel(t *testing.T) {
	bus := New(16)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("expected closed channel, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
