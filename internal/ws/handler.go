// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/convosync/convosync/internal/broker"
	"github.com/convosync/convosync/internal/engine"
	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/models"
	"github.com/convosync/convosync/internal/ratelimit"
	"github.com/convosync/convosync/internal/registry"
	"github.com/convosync/convosync/internal/store"
)

// PrincipalHeader identifies the caller. Connections without it are
// rejected before upgrade.
const PrincipalHeader = "X-Principal-ID"

// commitTimeout bounds how long a single send frame may wait on the store.
const commitTimeout = 5 * time.Second

// Config holds per-connection transport limits.
type Config struct {
	// MaxQueueBytes bounds a connection's outbound queue. Default: 1MB.
	MaxQueueBytes int

	// MaxQueueEvents bounds the queued event count. Default: 256.
	MaxQueueEvents int
}

// Handler upgrades HTTP requests to subscriber connections and dispatches
// their frames.
type Handler struct {
	cfg      Config
	reg      *registry.Registry
	broker   *broker.Broker
	engine   *engine.Engine
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(cfg Config, reg *registry.Registry, br *broker.Broker, eng *engine.Engine, lim *ratelimit.Limiter) *Handler {
	return &Handler{
		cfg:     cfg,
		reg:     reg,
		broker:  br,
		engine:  eng,
		limiter: lim,
		conns:   make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin policy is enforced by the deployment's reverse
				// proxy; principals are authenticated upstream.
				return true
			},
		},
	}
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	if err := h.limiter.CheckConnectionAttempt(addr); err != nil {
		var rle *ratelimit.RateLimitedError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", rle.RetryAfter.String())
		}
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	principal := r.Header.Get(PrincipalHeader)
	if principal == "" {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Str("remote", addr).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.New().String()
	conn := newConn(connID, principal, sock, h.cfg.MaxQueueBytes, h.cfg.MaxQueueEvents, func(reason string) {
		h.broker.Detach(connID)
		h.reg.Unregister(connID)
		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		metrics.TrackConnection(false)
		if len(h.reg.PrincipalConns(principal)) == 0 {
			h.limiter.Forget(principal)
			h.broadcastPresence(principal, "offline")
		}
		logging.Debug().
			Str("conn_id", connID).
			Str("principal", principal).
			Str("reason", reason).
			Msg("connection closed")
	})

	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()
	h.reg.Register(connID, principal, time.Now())
	h.broker.Attach(conn)
	metrics.TrackConnection(true)
	if len(h.reg.PrincipalConns(principal)) == 1 {
		h.broadcastPresence(principal, "online")
	}
	logging.Debug().
		Str("conn_id", connID).
		Str("principal", principal).
		Str("remote", addr).
		Msg("connection established")

	go conn.writePump()
	go conn.readPump(func(f *Frame) {
		h.dispatch(conn, f)
	})
}

// CloseConn is the registry eviction callback: it closes the transport for
// a connection the registry decided to remove.
func (h *Handler) CloseConn(connID string, reason registry.CloseReason) {
	h.mu.Lock()
	conn := h.conns[connID]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	logging.Info().Str("conn_id", connID).Str("reason", string(reason)).Msg("connection evicted")
	principal := conn.Principal()
	conn.Close(string(reason))
	// Tell the principal's surviving sessions one of their connections
	// was evicted.
	ev := &models.Event{
		Type: models.EventTypePresence,
		Room: models.PresenceRoom,
		Data: mustRaw(map[string]string{
			"principal": principal,
			"status":    "evicted",
			"reason":    string(reason),
		}),
		At: time.Now().UTC(),
	}
	h.broker.BroadcastToPrincipal(principal, ev)
}

// broadcastPresence announces a principal coming online or going offline
// to everyone subscribed to the shared presence room.
func (h *Handler) broadcastPresence(principal, status string) {
	ev := &models.Event{
		Type: models.EventTypePresence,
		Room: models.PresenceRoom,
		Data: mustRaw(map[string]string{"principal": principal, "status": status}),
		At:   time.Now().UTC(),
	}
	h.broker.BroadcastToRoom(models.PresenceRoom, ev, "")
}

func (h *Handler) dispatch(c *Conn, f *Frame) {
	h.reg.Touch(c.ID(), time.Now())

	switch f.Type {
	case FrameHeartbeat:
		// Touch above is the whole effect.

	case FrameSubscribe:
		p, err := f.SubscribePayload()
		if err != nil {
			c.sendError("bad_payload", err.Error())
			return
		}
		if !h.reg.Subscribe(c.ID(), p.Room) {
			c.sendError("not_registered", "connection is not registered")
			return
		}

	case FrameUnsubscribe:
		p, err := f.SubscribePayload()
		if err != nil {
			c.sendError("bad_payload", err.Error())
			return
		}
		h.reg.Unsubscribe(c.ID(), p.Room)

	case FrameSend:
		h.handleSend(c, f)

	case FrameTypingStart, FrameTypingStop:
		h.handleTyping(c, f)
	}
}

// handleSend commits a message append and relies on the pipeline for
// fan-out. Rate limits apply per principal before the store is touched.
func (h *Handler) handleSend(c *Conn, f *Frame) {
	if err := h.limiter.CheckMessage(c.Principal()); err != nil {
		var rle *ratelimit.RateLimitedError
		if errors.As(err, &rle) {
			c.sendError("rate_limited", rle.Error())
			return
		}
		c.sendError("rate_limited", err.Error())
		return
	}

	p, err := f.SendPayload()
	if err != nil {
		c.sendError("bad_payload", err.Error())
		return
	}

	msg := models.Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Role:           models.Role(p.Role),
		Content:        p.Content,
		TokenCount:     p.TokenCount,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	_, err = h.engine.Commit(ctx, []store.Operation{store.AppendMessage(&msg)})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c.sendError("unknown_conversation", p.ConversationID)
	case errors.Is(err, store.ErrConflict):
		c.sendError("duplicate_message", msg.ID)
	case errors.Is(err, store.ErrInvalidOperation):
		c.sendError("bad_payload", err.Error())
	default:
		logging.Error().Err(err).
			Str("conn_id", c.ID()).
			Str("conversation_id", p.ConversationID).
			Msg("message commit failed")
		c.sendError("commit_failed", "message was not stored")
	}
}

// handleTyping broadcasts an ephemeral typing indicator to the conversation
// room, excluding the sender. Typing never touches the durable log.
func (h *Handler) handleTyping(c *Conn, f *Frame) {
	p, err := f.TypingPayload()
	if err != nil {
		c.sendError("bad_payload", err.Error())
		return
	}

	typ := models.EventTypeTypingStart
	if f.Type == FrameTypingStop {
		typ = models.EventTypeTypingStop
	}
	ev := &models.Event{
		Type: typ,
		Room: models.ConversationRoom(p.ConversationID),
		Data: mustRaw(map[string]string{"principal": c.Principal()}),
		At:   time.Now().UTC(),
	}
	h.broker.BroadcastToRoom(ev.Room, ev, c.ID())
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
