// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/convosync/convosync/internal/models"
	"github.com/convosync/convosync/internal/registry"
)

// fakeConn records sends and can simulate a full buffer.
type fakeConn struct {
	id string

	mu       sync.Mutex
	received []*models.Event
	full     bool
	closed   string
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return ErrBufferFull
	}
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
}

func (f *fakeConn) events() []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Event, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeConn) closedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func setup(policy DropPolicy) (*registry.Registry, *Broker) {
	reg := registry.New(0, nil)
	return reg, New(reg, Config{Policy: policy})
}

func attach(reg *registry.Registry, b *Broker, id, principal, room string) *fakeConn {
	c := &fakeConn{id: id}
	reg.Register(id, principal, time.Now())
	if room != "" {
		reg.Subscribe(id, room)
	}
	b.Attach(c)
	return c
}

func dataEvent(room string) *models.Event {
	return &models.Event{Type: models.EventTypeMessageAppended, Room: room, Seq: 1}
}

func typingEvent(room string) *models.Event {
	return &models.Event{Type: models.EventTypeTypingStart, Room: room}
}

func TestBroadcastToRoomDeliversToMembers(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c2 := attach(reg, b, "c2", "bob", "room-a")
	c3 := attach(reg, b, "c3", "carol", "room-b")

	n := b.BroadcastToRoom("room-a", dataEvent("room-a"), "")

	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(c1.events()) != 1 || len(c2.events()) != 1 {
		t.Error("room members should receive the event")
	}
	if len(c3.events()) != 0 {
		t.Error("non-member received the event")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c2 := attach(reg, b, "c2", "bob", "room-a")

	n := b.BroadcastToRoom("room-a", typingEvent("room-a"), "c1")

	if n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}
	if len(c1.events()) != 0 {
		t.Error("excluded sender received the event")
	}
	if len(c2.events()) != 1 {
		t.Error("other member should receive the event")
	}
}

func TestBroadcastToPrincipal(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "")
	c2 := attach(reg, b, "c2", "alice", "")
	c3 := attach(reg, b, "c3", "bob", "")

	n := b.BroadcastToPrincipal("alice", dataEvent(""))

	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(c1.events()) != 1 || len(c2.events()) != 1 {
		t.Error("both of alice's connections should receive the event")
	}
	if len(c3.events()) != 0 {
		t.Error("bob received alice's event")
	}
}

func TestDroppableEventShedOnFullBuffer(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c1.full = true

	n := b.BroadcastToRoom("room-a", typingEvent("room-a"), "")

	if n != 0 {
		t.Errorf("expected 0 delivered, got %d", n)
	}
	if c1.closedReason() != "" {
		t.Error("droppable event must never close the connection")
	}
	if reg.Len() != 1 {
		t.Error("connection should remain registered")
	}
}

func TestClosePolicyDisconnectsSlowSubscriber(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c1.full = true

	n := b.BroadcastToRoom("room-a", dataEvent("room-a"), "")

	if n != 0 {
		t.Errorf("expected 0 delivered, got %d", n)
	}
	if reg.Len() != 0 {
		t.Error("closed connection should be unregistered")
	}
	waitClosedReason(t, c1, "backpressure")

	// The connection is fully detached: a later broadcast skips it.
	c1.full = false
	if n := b.BroadcastToRoom("room-a", dataEvent("room-a"), ""); n != 0 {
		t.Errorf("detached connection still receiving, delivered %d", n)
	}
}

func waitClosedReason(t *testing.T, c *fakeConn, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.closedReason() != want {
		if time.Now().After(deadline) {
			t.Fatalf("close reason %q, want %q", c.closedReason(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// A connection whose Close hangs (a dead peer with a full TCP buffer) must
// not hold up fan-out to the rest of the room.
func TestSlowCloseDoesNotStallRoom(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	slow := &stuckCloseConn{
		fakeConn: fakeConn{id: "c1", full: true},
		release:  make(chan struct{}),
	}
	reg.Register("c1", "alice", time.Now())
	reg.Subscribe("c1", "room-a")
	b.Attach(slow)
	c2 := attach(reg, b, "c2", "bob", "room-a")

	done := make(chan int, 1)
	go func() {
		done <- b.BroadcastToRoom("room-a", dataEvent("room-a"), "")
	}()

	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("expected 1 delivered, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on the stuck connection's close")
	}
	if len(c2.events()) != 1 {
		t.Error("healthy subscriber missed the event")
	}

	// Later broadcasts to the room also proceed while the close is stuck.
	if n := b.BroadcastToRoom("room-a", dataEvent("room-a"), ""); n != 1 {
		t.Errorf("follow-up broadcast delivered %d, want 1", n)
	}

	close(slow.release)
	waitClosedReason(t, &slow.fakeConn, "backpressure")
}

// stuckCloseConn blocks in Close until released.
type stuckCloseConn struct {
	fakeConn
	release chan struct{}
}

func (s *stuckCloseConn) Close(reason string) {
	<-s.release
	s.fakeConn.Close(reason)
}

func TestDropLowestPolicyKeepsConnection(t *testing.T) {
	reg, b := setup(DropPolicyDropLowest)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c1.full = true

	n := b.BroadcastToRoom("room-a", dataEvent("room-a"), "")

	if n != 0 {
		t.Errorf("expected 0 delivered, got %d", n)
	}
	if c1.closedReason() != "" {
		t.Error("drop_lowest policy must not close the connection")
	}
	if reg.Len() != 1 {
		t.Error("connection should remain registered")
	}

	// Once the buffer drains the connection receives again.
	c1.full = false
	if n := b.BroadcastToRoom("room-a", dataEvent("room-a"), ""); n != 1 {
		t.Errorf("recovered connection not receiving, delivered %d", n)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")

	b.Detach("c1")

	if n := b.BroadcastToRoom("room-a", dataEvent("room-a"), ""); n != 0 {
		t.Errorf("detached connection delivered %d", n)
	}
	if len(c1.events()) != 0 {
		t.Error("detached connection received an event")
	}
	// Detach is idempotent.
	b.Detach("c1")
}

func TestRoomOrderingUnderConcurrentBroadcasts(t *testing.T) {
	reg, b := setup(DropPolicyClose)
	c1 := attach(reg, b, "c1", "alice", "room-a")
	c2 := attach(reg, b, "c2", "bob", "room-a")

	const events = 50
	var wg sync.WaitGroup
	done := make(chan uint64, events)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= events; i++ {
			ev := &models.Event{Type: models.EventTypeMessageAppended, Room: "room-a", Seq: uint64(i)}
			b.BroadcastToRoom("room-a", ev, "")
			done <- uint64(i)
		}
	}()
	wg.Wait()
	close(done)

	for _, c := range []*fakeConn{c1, c2} {
		got := c.events()
		if len(got) != events {
			t.Fatalf("%s: expected %d events, got %d", c.id, events, len(got))
		}
		for i, ev := range got {
			if ev.Seq != uint64(i+1) {
				t.Fatalf("%s: out of order at %d: seq %d", c.id, i, ev.Seq)
			}
		}
	}
}
