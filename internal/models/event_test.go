// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestRecordEventTypeMapping(t *testing.T) {
	tests := []struct {
		entity EntityType
		op     LogOp
		want   string
	}{
		{EntityMessage, LogOpCreate, EventTypeMessageAppended},
		{EntityMessage, LogOpDelete, EventTypeMessageDeleted},
		{EntityConversation, LogOpCreate, EventTypeConversationCreated},
		{EntityConversation, LogOpUpdate, EventTypeConversationUpdated},
		{EntityConversation, LogOpDelete, EventTypeConversationDeleted},
	}
	for _, tt := range tests {
		rec := &LogRecord{
			Seq:         7,
			EntityType:  tt.entity,
			EntityID:    "e1",
			Op:          tt.op,
			CommittedAt: time.Unix(1700000000, 0),
		}
		ev := RecordEvent(rec)
		if ev.Type != tt.want {
			t.Errorf("%s/%s: got type %q, want %q", tt.entity, tt.op, ev.Type, tt.want)
		}
		if ev.Seq != 7 {
			t.Errorf("%s/%s: seq %d, want 7", tt.entity, tt.op, ev.Seq)
		}
	}
}

func TestRecordEventRoutesMessageByConversation(t *testing.T) {
	payload, err := json.Marshal(Message{
		ID:             "m1",
		ConversationID: "c1",
		Role:           RoleUser,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	rec := &LogRecord{
		Seq:        1,
		EntityType: EntityMessage,
		EntityID:   "m1",
		Op:         LogOpCreate,
		Payload:    payload,
	}

	ev := RecordEvent(rec)
	if ev.Room != ConversationRoom("c1") {
		t.Errorf("message event routed to %q, want %q", ev.Room, ConversationRoom("c1"))
	}
}

func TestRecordEventConversationRoom(t *testing.T) {
	rec := &LogRecord{
		Seq:        2,
		EntityType: EntityConversation,
		EntityID:   "c9",
		Op:         LogOpCreate,
	}
	ev := RecordEvent(rec)
	if ev.Room != "conversation:c9" {
		t.Errorf("got room %q, want conversation:c9", ev.Room)
	}
}

func TestDroppable(t *testing.T) {
	droppable := []string{EventTypeTypingStart, EventTypeTypingStop, EventTypePresence}
	for _, typ := range droppable {
		if !(&Event{Type: typ}).Droppable() {
			t.Errorf("%s should be droppable", typ)
		}
	}
	durable := []string{
		EventTypeMessageAppended, EventTypeMessageDeleted,
		EventTypeConversationCreated, EventTypeConversationUpdated,
		EventTypeConversationDeleted, EventTypeError,
	}
	for _, typ := range durable {
		if (&Event{Type: typ}).Droppable() {
			t.Errorf("%s should not be droppable", typ)
		}
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ev := &Event{
		Type: EventTypeMessageAppended,
		Room: "conversation:c1",
		Seq:  42,
		Data: json.RawMessage(`{"id":"m1"}`),
		At:   time.Unix(1700000000, 0).UTC(),
	}

	raw, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Type != ev.Type || got.Room != ev.Room || got.Seq != ev.Seq {
		t.Errorf("round-trip mismatch: %+v vs %+v", got, ev)
	}
	if string(got.Data) != string(ev.Data) {
		t.Errorf("data mismatch: %s vs %s", got.Data, ev.Data)
	}
	if !got.At.Equal(ev.At) {
		t.Errorf("timestamp mismatch: %v vs %v", got.At, ev.At)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	for _, r := range []Role{"", "admin", "User"} {
		if r.Valid() {
			t.Errorf("%q should be invalid", r)
		}
	}
}
