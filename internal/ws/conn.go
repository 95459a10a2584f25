// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package ws is the subscriber-facing WebSocket transport. Each connection
// owns a bounded, byte-accounted outbound queue drained by a write pump;
// the broadcast path enqueues without ever blocking on a socket.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convosync/convosync/internal/broker"
	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024 // 256 KB inbound frame limit
)

// Conn wraps one subscriber socket. It satisfies broker.Conn: Send queues
// without blocking, shedding droppable events under pressure, and returns
// broker.ErrBufferFull when a non-droppable event cannot fit.
type Conn struct {
	id        string
	principal string
	sock      *websocket.Conn

	maxQueueBytes  int
	maxQueueEvents int

	mu          sync.Mutex
	queue       []*models.Event
	queuedBytes int
	closed      bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// onClose runs once when the connection tears down, from either pump
	// or an explicit Close.
	onClose func(reason string)
}

// newConn creates a connection wrapper. The pumps are started by the handler.
func newConn(id, principal string, sock *websocket.Conn, maxQueueBytes, maxQueueEvents int, onClose func(reason string)) *Conn {
	if maxQueueBytes <= 0 {
		maxQueueBytes = 1024 * 1024
	}
	if maxQueueEvents <= 0 {
		maxQueueEvents = 256
	}
	return &Conn{
		id:             id,
		principal:      principal,
		sock:           sock,
		maxQueueBytes:  maxQueueBytes,
		maxQueueEvents: maxQueueEvents,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
		onClose:        onClose,
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Principal returns the authenticated principal that owns the connection.
func (c *Conn) Principal() string { return c.principal }

// Send queues an event for delivery. Never blocks. When the queue is at its
// byte or event budget, queued droppable events are shed oldest-first to
// make room; if the event still does not fit, broker.ErrBufferFull is
// returned and the caller's drop policy decides.
func (c *Conn) Send(ev *models.Event) error {
	size := ev.EncodedSize()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return websocket.ErrCloseSent
	}

	if c.queuedBytes+size > c.maxQueueBytes || len(c.queue) >= c.maxQueueEvents {
		c.shedDroppableLocked(size)
	}
	if c.queuedBytes+size > c.maxQueueBytes || len(c.queue) >= c.maxQueueEvents {
		c.mu.Unlock()
		return broker.ErrBufferFull
	}

	c.queue = append(c.queue, ev)
	c.queuedBytes += size
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// shedDroppableLocked removes droppable events oldest-first until the
// incoming event would fit or nothing droppable remains.
func (c *Conn) shedDroppableLocked(need int) {
	kept := c.queue[:0]
	for i, ev := range c.queue {
		fits := c.queuedBytes+need <= c.maxQueueBytes && len(c.queue)-(i-len(kept)) < c.maxQueueEvents
		if !fits && ev.Droppable() {
			c.queuedBytes -= ev.EncodedSize()
			continue
		}
		kept = append(kept, ev)
	}
	c.queue = kept
}

// Close tears the connection down. Safe to call from any goroutine and
// idempotent; reason is propagated to the close callback.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.queuedBytes = 0
		c.mu.Unlock()

		close(c.done)
		_ = c.sock.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait),
		)
		_ = c.sock.Close()
		if c.onClose != nil {
			c.onClose(reason)
		}
	})
}

// writePump drains the outbound queue to the socket and keeps the
// connection alive with pings. Runs on its own goroutine per connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close("write_error")
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			if !c.flush() {
				return
			}
		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes everything currently queued. Returns false on write failure.
func (c *Conn) flush() bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.queuedBytes -= ev.EncodedSize()
		c.mu.Unlock()

		payload, err := ev.Encode()
		if err != nil {
			logging.Error().Err(err).Str("conn_id", c.id).Msg("failed to encode outbound event")
			continue
		}
		if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
			return false
		}
	}
}

// readPump reads frames from the socket and hands them to handle. Exits on
// read error or close, tearing the connection down.
func (c *Conn) readPump(handle func(*Frame)) {
	defer c.Close("read_error")

	c.sock.SetReadLimit(maxMessageSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			logging.Debug().Err(err).Str("conn_id", c.id).Msg("rejecting malformed frame")
			c.sendError("bad_frame", err.Error())
			continue
		}
		handle(frame)
	}
}

// sendError queues a protocol error notification; best effort.
func (c *Conn) sendError(code, detail string) {
	ev := &models.Event{
		Type: models.EventTypeError,
		Data: mustRaw(map[string]string{"code": code, "detail": detail}),
		At:   time.Now().UTC(),
	}
	_ = c.Send(ev)
}
