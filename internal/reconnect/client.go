// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package reconnect provides a WebSocket client that survives server
// restarts. Frames written while disconnected are queued up to a bound,
// dropping oldest first, and flushed in order once the connection is back.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convosync/convosync/internal/logging"
)

// State of the client connection machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// errClientClosed aborts the backlog drain when Close raced the dial.
var errClientClosed = errors.New("client closed")

// Event notifies the caller of state transitions.
type Event struct {
	State   State
	Attempt int
	Err     error
}

// Config holds client configuration.
type Config struct {
	// URL of the server's WebSocket endpoint.
	URL string

	// Principal sent on each dial.
	Principal string

	// InitialBackoff before the first retry. Default: 250ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth. Default: 30s.
	MaxBackoff time.Duration

	// MaxAttempts of consecutive failed dials before the client gives up
	// and reports StateFailed. 0 means retry forever.
	MaxAttempts int

	// QueueSize bounds frames held while disconnected. Oldest are dropped
	// when full. Default: 512.
	QueueSize int

	// PingInterval for liveness pings. Default: 25s.
	PingInterval time.Duration

	// PongWait before a silent connection is declared dead. Default: 60s.
	PongWait time.Duration
}

// Backoff returns the delay before the given retry attempt, 1-based:
// initial doubled per attempt, capped at max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Client is a reconnecting WebSocket client. Run drives the connection;
// Send queues frames; Messages delivers inbound payloads; Events reports
// state transitions.
type Client struct {
	cfg  Config
	dial func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error)

	// writeMu serializes data writes to the socket; Send and the backlog
	// drain both go through it.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending [][]byte
	conn    *websocket.Conn

	events   chan Event
	messages chan []byte
	closed   chan struct{}
	once     sync.Once
}

// New creates a client. Run must be called to start connecting.
func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	return &Client{
		cfg: cfg,
		dial: func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
			return c, err
		},
		state:    StateDisconnected,
		events:   make(chan Event, 16),
		messages: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the state transition stream.
func (c *Client) Events() <-chan Event { return c.events }

// Messages returns the inbound payload stream.
func (c *Client) Messages() <-chan []byte { return c.messages }

// Send writes the frame if connected, otherwise queues it for the next
// flush. When the queue is full the oldest queued frame is dropped.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("client is %s", c.state)
	}
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		if len(c.pending) >= c.cfg.QueueSize {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, payload); err != nil {
		// The read loop will notice the broken connection; keep the frame.
		c.mu.Lock()
		if len(c.pending) >= c.cfg.QueueSize {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
	return nil
}

func (c *Client) writeFrame(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close stops the client permanently. Retrying is suppressed; queued frames
// are discarded.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.pending = nil
		c.mu.Unlock()

		close(c.closed)
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}
	})
}

// Run connects and keeps reconnecting until ctx is cancelled, Close is
// called, or MaxAttempts consecutive dials fail.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		attempt++
		c.transition(StateConnecting, attempt, nil)

		hdr := http.Header{}
		if c.cfg.Principal != "" {
			hdr.Set("X-Principal-ID", c.cfg.Principal)
		}
		conn, err := c.dial(ctx, c.cfg.URL, hdr)
		if err != nil {
			if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
				c.transition(StateFailed, attempt, err)
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			delay := Backoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff, attempt)
			logging.Debug().Err(err).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("dial failed, backing off")
			select {
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			case <-c.closed:
				return nil
			case <-time.After(delay):
			}
			continue
		}

		// Drain the backlog before announcing the connection: until the
		// queue is empty the state stays Connecting, so Send keeps routing
		// new frames into pending behind the queued ones.
		if err := c.drainPending(conn); err != nil {
			_ = conn.Close()
			if c.State() == StateClosed {
				return nil
			}
			c.transition(StateDisconnected, attempt, err)
			continue
		}
		c.notify(Event{State: StateConnected, Attempt: attempt})
		attempt = 0

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return nil
		}
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(Event{State: StateDisconnected, Err: err})
	}
}

// drainPending writes the queued backlog in FIFO order, looping until the
// queue is observed empty, and only then marks the client Connected. The
// emptiness check and the state change happen under one lock acquisition so
// no Send can slip a frame onto the wire ahead of the backlog. On write
// failure the unwritten frames go back to the front of the queue.
func (c *Client) drainPending(conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return errClientClosed
		}
		if len(c.pending) == 0 {
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()
			return nil
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, payload := range batch {
			if err := c.writeFrame(conn, payload); err != nil {
				c.mu.Lock()
				c.pending = append(batch[i:], c.pending...)
				c.mu.Unlock()
				return err
			}
		}
	}
}

// readLoop pumps inbound messages until the connection breaks.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	pingDone := make(chan struct{})
	go c.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		select {
		case c.messages <- data:
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-c.closed:
			_ = conn.Close()
			return nil
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) transition(s State, attempt int, err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notify(Event{State: s, Attempt: attempt, Err: err})
}

// notify never blocks; slow consumers lose older transitions.
func (c *Client) notify(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// QueuedFrames reports how many frames await reconnection.
func (c *Client) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
