// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Event types delivered to subscribers.
const (
	EventTypeMessageAppended     = "message_appended"
	EventTypeMessageDeleted      = "message_deleted"
	EventTypeConversationCreated = "conversation_created"
	EventTypeConversationUpdated = "conversation_updated"
	EventTypeConversationDeleted = "conversation_deleted"
	EventTypeTypingStart         = "typing_start"
	EventTypeTypingStop          = "typing_stop"
	EventTypePresence            = "presence"
	EventTypeError               = "error"
)

// Event is the serialized fan-out envelope delivered to subscribers.
// Seq is zero for ephemeral events (typing, presence) that never touch
// the durable log.
type Event struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	At   time.Time       `json:"at"`
}

// Droppable reports whether the event may be discarded under backpressure.
// Presence and typing events are droppable; conversation data events are not.
func (e *Event) Droppable() bool {
	switch e.Type {
	case EventTypeTypingStart, EventTypeTypingStop, EventTypePresence:
		return true
	}
	return false
}

// EncodedSize returns the serialized size used for backpressure accounting.
func (e *Event) EncodedSize() int {
	return len(e.Type) + len(e.Room) + len(e.Data) + 48
}

// Encode serializes the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent deserializes a wire event.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RecordEvent builds the broadcast event for a committed log record.
func RecordEvent(rec *LogRecord) *Event {
	var typ string
	switch {
	case rec.EntityType == EntityMessage && rec.Op == LogOpCreate:
		typ = EventTypeMessageAppended
	case rec.EntityType == EntityMessage && rec.Op == LogOpDelete:
		typ = EventTypeMessageDeleted
	case rec.EntityType == EntityConversation && rec.Op == LogOpCreate:
		typ = EventTypeConversationCreated
	case rec.EntityType == EntityConversation && rec.Op == LogOpUpdate:
		typ = EventTypeConversationUpdated
	case rec.EntityType == EntityConversation && rec.Op == LogOpDelete:
		typ = EventTypeConversationDeleted
	default:
		typ = EventTypeConversationUpdated
	}

	room := ConversationRoom(rec.EntityID)
	if rec.EntityType == EntityMessage {
		// Message records carry the owning conversation id in the payload;
		// the entity id alone is not enough to route.
		var msg Message
		if err := rec.UnmarshalPayload(&msg); err == nil && msg.ConversationID != "" {
			room = ConversationRoom(msg.ConversationID)
		}
	}

	return &Event{
		Type: typ,
		Room: room,
		Seq:  rec.Seq,
		Data: rec.Payload,
		At:   rec.CommittedAt,
	}
}
