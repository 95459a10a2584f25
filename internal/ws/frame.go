// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package ws

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Frame types a subscriber may send. Anything else is rejected before it
// reaches a handler.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameHeartbeat   = "heartbeat"
)

// maxFramePayload bounds the decoded payload of a single inbound frame.
const maxFramePayload = 64 * 1024

var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrPayloadTooLarge  = errors.New("frame payload too large")
	ErrMissingField     = errors.New("missing required field")
)

// Frame is the inbound protocol envelope.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries room membership changes.
type SubscribePayload struct {
	Room string `json:"room"`
}

// SendPayload carries a message append request.
type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	TokenCount     int64  `json:"token_count,omitempty"`
}

// TypingPayload identifies the conversation a typing indicator belongs to.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// DecodeFrame parses and validates an inbound frame. The frame type must be
// known and the payload within size limits; payload field validation happens
// when the payload is decoded for dispatch.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe, FrameSend,
		FrameTypingStart, FrameTypingStop, FrameHeartbeat:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	if len(f.Payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	return &f, nil
}

// SubscribePayload decodes and validates the payload for subscribe and
// unsubscribe frames.
func (f *Frame) SubscribePayload() (*SubscribePayload, error) {
	var p SubscribePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode subscribe payload: %w", err)
	}
	if p.Room == "" {
		return nil, fmt.Errorf("%w: room", ErrMissingField)
	}
	return &p, nil
}

// SendPayload decodes and validates the payload for send frames.
func (f *Frame) SendPayload() (*SendPayload, error) {
	var p SendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode send payload: %w", err)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id", ErrMissingField)
	}
	if p.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingField)
	}
	if p.Content == "" {
		return nil, fmt.Errorf("%w: content", ErrMissingField)
	}
	return &p, nil
}

// TypingPayload decodes and validates the payload for typing frames.
func (f *Frame) TypingPayload() (*TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode typing payload: %w", err)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id", ErrMissingField)
	}
	return &p, nil
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
