// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package models defines the persisted entities and wire events shared by the
// store, the broadcaster, and the connection layer.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Role identifies the author of a message. The set is closed; anything else
// is rejected at commit time.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the fixed enumeration.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Conversation is the aggregate entity owning a set of messages.
//
// MessageCount and TotalTokens are maintained incrementally: every message
// insert or soft-delete updates them in the same store transaction that
// touches the message keyspace, so they never diverge from the message set.
type Conversation struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	MessageCount int64             `json:"message_count"`
	TotalTokens  int64             `json:"total_tokens"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ToolCall records a structured tool invocation attached to a message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Message belongs to exactly one conversation. Messages are immutable after
// creation except for the soft-delete flag; a delete triggers a compensating
// counter update on the owning conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	TokenCount     int64      `json:"token_count,omitempty"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Deleted        bool       `json:"deleted,omitempty"`
}

// EntityType identifies what a log record describes.
type EntityType string

const (
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
)

// LogOp is the state change a log record represents.
type LogOp string

const (
	LogOpCreate LogOp = "create"
	LogOpUpdate LogOp = "update"
	LogOpDelete LogOp = "delete"
)

// LogRecord is one immutable, append-only entry in the durable log.
// Sequence numbers are 64-bit, strictly increasing, and never reused,
// even across process restarts.
type LogRecord struct {
	Seq         uint64          `json:"seq"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Op          LogOp           `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}

// UnmarshalPayload deserializes the record payload into the given type.
func (r *LogRecord) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(r.Payload, v)
}

// ConversationRoom returns the broadcast room name for a conversation.
func ConversationRoom(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

// PresenceRoom is the global presence broadcast channel.
const PresenceRoom = "user-presence"
