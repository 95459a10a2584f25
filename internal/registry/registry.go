// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package registry tracks live subscriber connections and their room
// memberships. Both directions of the room index are maintained under a
// single mutex so membership checks and fan-out target lookups stay
// consistent with each other.
package registry

import (
	"sync"
	"time"

	"github.com/convosync/convosync/internal/metrics"
)

// CloseReason explains why the registry evicted a connection.
type CloseReason string

const (
	ReasonEvictedCapacity CloseReason = "evicted_capacity"
	ReasonEvictedIdle     CloseReason = "evicted_idle"
)

// Closer is called outside the registry lock when an eviction decides a
// connection must go. The transport owns the actual socket teardown.
type Closer func(connID string, reason CloseReason)

// entry is per-connection registry state.
type entry struct {
	principal  string
	rooms      map[string]struct{}
	lastActive time.Time
}

// Registry is the authoritative index of live connections. Capacity is
// enforced with least-recently-active eviction; SweepIdle removes
// connections whose last activity is older than the cutoff.
type Registry struct {
	capacity int
	closer   Closer

	mu          sync.RWMutex
	conns       map[string]*entry
	rooms       map[string]map[string]struct{}
	byPrincipal map[string]map[string]struct{}
}

// New creates a registry. capacity <= 0 means unlimited. closer may be nil.
func New(capacity int, closer Closer) *Registry {
	return &Registry{
		capacity:    capacity,
		closer:      closer,
		conns:       make(map[string]*entry),
		rooms:       make(map[string]map[string]struct{}),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. Registering an already-known ID refreshes its
// principal and activity time without disturbing subscriptions. If the
// registry is at capacity the least recently active connection is evicted
// first.
func (r *Registry) Register(connID, principal string, now time.Time) {
	var evicted []string

	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		if e.principal != principal {
			r.detachPrincipalLocked(connID, e.principal)
			e.principal = principal
			r.attachPrincipalLocked(connID, principal)
		}
		e.lastActive = now
		r.mu.Unlock()
		return
	}

	for r.capacity > 0 && len(r.conns) >= r.capacity {
		victim := r.oldestLocked()
		if victim == "" {
			break
		}
		r.removeLocked(victim)
		evicted = append(evicted, victim)
	}

	r.conns[connID] = &entry{
		principal:  principal,
		rooms:      make(map[string]struct{}),
		lastActive: now,
	}
	r.attachPrincipalLocked(connID, principal)
	r.mu.Unlock()

	for _, id := range evicted {
		metrics.ConnectionsEvicted.WithLabelValues(string(ReasonEvictedCapacity)).Inc()
		if r.closer != nil {
			r.closer(id, ReasonEvictedCapacity)
		}
	}
}

// Unregister removes a connection and all of its subscriptions. Unknown IDs
// are a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	r.removeLocked(connID)
	r.mu.Unlock()
}

// Subscribe adds the connection to a room. Returns false if the connection
// is unknown. Subscribing twice is idempotent.
func (r *Registry) Subscribe(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, already := e.rooms[room]; already {
		return true
	}
	e.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	metrics.RoomSubscriptions.Inc()
	return true
}

// Unsubscribe removes the connection from a room. Returns false if the
// connection is unknown; removing a room it never joined is a no-op.
func (r *Registry) Unsubscribe(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, member := e.rooms[room]; !member {
		return true
	}
	delete(e.rooms, room)
	r.dropRoomMemberLocked(room, connID)
	metrics.RoomSubscriptions.Dec()
	return true
}

// Touch records activity for a connection, deferring idle eviction.
func (r *Registry) Touch(connID string, now time.Time) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.lastActive = now
	}
	r.mu.Unlock()
}

// RoomMembers returns the IDs of connections subscribed to a room.
func (r *Registry) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// PrincipalConns returns the IDs of connections owned by a principal.
func (r *Registry) PrincipalConns(principal string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byPrincipal[principal]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Rooms returns the rooms a connection is subscribed to, or nil if unknown.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		out = append(out, room)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SweepIdle evicts connections whose last activity is before cutoff and
// returns how many were removed. Close callbacks run outside the lock.
func (r *Registry) SweepIdle(cutoff time.Time) int {
	var evicted []string

	r.mu.Lock()
	for id, e := range r.conns {
		if e.lastActive.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		metrics.ConnectionsEvicted.WithLabelValues(string(ReasonEvictedIdle)).Inc()
		if r.closer != nil {
			r.closer(id, ReasonEvictedIdle)
		}
	}
	return len(evicted)
}

func (r *Registry) removeLocked(connID string) {
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	for room := range e.rooms {
		r.dropRoomMemberLocked(room, connID)
		metrics.RoomSubscriptions.Dec()
	}
	r.detachPrincipalLocked(connID, e.principal)
	delete(r.conns, connID)
}

func (r *Registry) dropRoomMemberLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) attachPrincipalLocked(connID, principal string) {
	if principal == "" {
		return
	}
	conns, ok := r.byPrincipal[principal]
	if !ok {
		conns = make(map[string]struct{})
		r.byPrincipal[principal] = conns
	}
	conns[connID] = struct{}{}
}

func (r *Registry) detachPrincipalLocked(connID, principal string) {
	if principal == "" {
		return
	}
	conns, ok := r.byPrincipal[principal]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byPrincipal, principal)
	}
}

func (r *Registry) oldestLocked() string {
	var (
		oldest   string
		oldestAt time.Time
		first    = true
	)
	for id, e := range r.conns {
		if first || e.lastActive.Before(oldestAt) {
			oldest = id
			oldestAt = e.lastActive
			first = false
		}
	}
	return oldest
}
