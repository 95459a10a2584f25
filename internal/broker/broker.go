// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package broker fans committed events out to live subscriber connections.
// Delivery within a room is serialized so every subscriber observes room
// events in the same order; sends to individual connections never block the
// broadcast path.
package broker

import (
	"errors"
	"sync"

	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/metrics"
	"github.com/convosync/convosync/internal/models"
	"github.com/convosync/convosync/internal/registry"
)

// ErrBufferFull is returned by Conn.Send when the outbound buffer cannot
// accept the event without blocking.
var ErrBufferFull = errors.New("outbound buffer full")

// Conn is the broker's view of a subscriber connection. Send must be
// non-blocking: it either queues the event or returns ErrBufferFull.
type Conn interface {
	ID() string
	Send(ev *models.Event) error
	Close(reason string)
}

// DropPolicy decides what happens to a connection that cannot keep up.
type DropPolicy string

const (
	// DropPolicyClose disconnects the slow subscriber so it can recover by
	// reconnecting and re-reading the log.
	DropPolicyClose DropPolicy = "close"

	// DropPolicyDropLowest sheds the event instead of the connection.
	// Droppable events (typing, presence) are always shed first regardless
	// of policy.
	DropPolicyDropLowest DropPolicy = "drop_lowest"
)

// Config holds broker configuration.
type Config struct {
	// Policy for non-droppable events hitting a full buffer.
	// Default: DropPolicyClose.
	Policy DropPolicy
}

// Broker routes events from the commit pipeline to connections registered
// in the registry.
type Broker struct {
	reg    *registry.Registry
	policy DropPolicy

	mu    sync.RWMutex
	conns map[string]Conn

	// roomMu serializes delivery per room without blocking other rooms.
	roomMu   sync.Mutex
	roomLock map[string]*sync.Mutex
}

// New creates a broker over the given registry.
func New(reg *registry.Registry, cfg Config) *Broker {
	policy := cfg.Policy
	if policy == "" {
		policy = DropPolicyClose
	}
	return &Broker{
		reg:      reg,
		policy:   policy,
		conns:    make(map[string]Conn),
		roomLock: make(map[string]*sync.Mutex),
	}
}

// Attach makes a connection reachable for fan-out. The connection must
// already be registered in the registry.
func (b *Broker) Attach(c Conn) {
	b.mu.Lock()
	b.conns[c.ID()] = c
	b.mu.Unlock()
}

// Detach removes a connection from fan-out. Idempotent.
func (b *Broker) Detach(connID string) {
	b.mu.Lock()
	delete(b.conns, connID)
	b.mu.Unlock()
}

// BroadcastToRoom delivers the event to every subscriber of the room except
// excludeConnID, and returns how many outbound buffers accepted it.
// Delivery for a given room is serialized across callers.
func (b *Broker) BroadcastToRoom(room string, ev *models.Event, excludeConnID string) int {
	lock := b.lockForRoom(room)
	lock.Lock()
	defer lock.Unlock()

	delivered := 0
	for _, id := range b.reg.RoomMembers(room) {
		if id == excludeConnID {
			continue
		}
		if b.deliver(id, ev) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToPrincipal delivers the event to every connection owned by the
// principal, regardless of room membership. Used for directed notifications
// such as presence acks.
func (b *Broker) BroadcastToPrincipal(principal string, ev *models.Event) int {
	delivered := 0
	for _, id := range b.reg.PrincipalConns(principal) {
		if b.deliver(id, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Broker) deliver(connID string, ev *models.Event) bool {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		metrics.BroadcastDropped.WithLabelValues("closed").Inc()
		return false
	}

	err := c.Send(ev)
	if err == nil {
		metrics.BroadcastDelivered.Inc()
		return true
	}
	if !errors.Is(err, ErrBufferFull) {
		metrics.BroadcastDropped.WithLabelValues("closed").Inc()
		return false
	}

	if ev.Droppable() {
		metrics.BroadcastDropped.WithLabelValues("droppable").Inc()
		return false
	}

	switch b.policy {
	case DropPolicyDropLowest:
		metrics.BroadcastDropped.WithLabelValues("backpressure").Inc()
		logging.Debug().
			Str("conn_id", connID).
			Str("event_type", ev.Type).
			Msg("shedding event for slow subscriber")
	default:
		metrics.BroadcastDropped.WithLabelValues("backpressure").Inc()
		metrics.ConnectionsEvicted.WithLabelValues("backpressure").Inc()
		logging.Warn().
			Str("conn_id", connID).
			Str("event_type", ev.Type).
			Msg("closing slow subscriber, outbound buffer full")
		b.Detach(connID)
		b.reg.Unregister(connID)
		// Close can block on the dead socket's write deadline; run it off
		// the room lock so the other subscribers keep receiving.
		go c.Close("backpressure")
	}
	return false
}

func (b *Broker) lockForRoom(room string) *sync.Mutex {
	b.roomMu.Lock()
	defer b.roomMu.Unlock()
	lock, ok := b.roomLock[room]
	if !ok {
		lock = &sync.Mutex{}
		b.roomLock[room] = lock
	}
	return lock
}
