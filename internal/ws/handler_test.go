// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/convosync/convosync/internal/broker"
	"github.com/convosync/convosync/internal/engine"
	"github.com/convosync/convosync/internal/eventbus"
	"github.com/convosync/convosync/internal/models"
	"github.com/convosync/convosync/internal/ratelimit"
	"github.com/convosync/convosync/internal/registry"
	"github.com/convosync/convosync/internal/store"
)

// harness wires a real store, engine, broker and pipeline behind an
// httptest server so tests exercise the full frame-to-fan-out path.
type harness struct {
	srv *httptest.Server
	h   *Handler
	eng *engine.Engine
	reg *registry.Registry
}

func newHarness(t *testing.T, rl ratelimit.Config) *harness {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.MemTableSize = 16 * 1024 * 1024
	cfg.ValueLogFileSize = 16 * 1024 * 1024
	cfg.Compression = false
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(64)
	t.Cleanup(func() { _ = bus.Close() })
	eng := engine.New(st, bus, engine.CircuitBreakerConfig{})

	var h *Handler
	reg := registry.New(0, func(id string, reason registry.CloseReason) {
		h.CloseConn(id, reason)
	})
	br := broker.New(reg, broker.Config{})
	lim := ratelimit.New(rl, nil)
	h = NewHandler(Config{}, reg, br, eng, lim)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = engine.NewPipeline(bus, br).Serve(ctx) }()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, h: h, eng: eng, reg: reg}
}

func (ha *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(ha.srv.URL, "http")
}

func (ha *harness) dial(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	if principal != "" {
		hdr.Set(PrincipalHeader, principal)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(ha.wsURL(), hdr)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial as %q: %v (status %d)", principal, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ha *harness) seedConversation(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ha.eng.Commit(ctx, []store.Operation{
		store.CreateConversation(&models.Conversation{ID: id, Title: "seeded"}),
	})
	if err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(&Frame{Type: typ, Payload: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s frame: %v", typ, err)
	}
}

// readEvent returns the next event from the socket, failing the test if
// none arrives within the deadline.
func readEvent(t *testing.T, conn *websocket.Conn) *models.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	ev, err := models.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

// expectSilence asserts nothing arrives on the socket for the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no traffic, got %s", data)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

// waitRoomMembers blocks until the room has n members or the deadline hits.
func (ha *harness) waitRoomMembers(t *testing.T, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ha.reg.RoomMembers(room)) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d members", room, n)
}

func eventData(t *testing.T, ev *models.Event) map[string]string {
	t.Helper()
	out := map[string]string{}
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	return out
}

func TestUpgradeRequiresPrincipal(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})

	resp, err := http.Get(ha.srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without %s header, got %d", PrincipalHeader, resp.StatusCode)
	}
}

func TestConnectionAttemptsAreLimitedPerAddress(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{ConnPerWindow: 2, ConnWindow: time.Minute})

	ha.dial(t, "alice")
	ha.dial(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(ha.wsURL(), http.Header{PrincipalHeader: {"alice"}})
	if err == nil {
		t.Fatal("third attempt should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After hint")
	}
}

func TestSendFansOutToRoomSubscribers(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})
	ha.seedConversation(t, "conv-1")
	room := models.ConversationRoom("conv-1")

	alice := ha.dial(t, "alice")
	bob := ha.dial(t, "bob")
	sendFrame(t, alice, FrameSubscribe, SubscribePayload{Room: room})
	sendFrame(t, bob, FrameSubscribe, SubscribePayload{Room: room})
	ha.waitRoomMembers(t, room, 2)

	sendFrame(t, alice, FrameSend, SendPayload{
		ConversationID: "conv-1",
		MessageID:      "m1",
		Role:           "user",
		Content:        "hello",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := readEvent(t, conn)
		if ev.Type != models.EventTypeMessageAppended {
			t.Fatalf("expected %s, got %s", models.EventTypeMessageAppended, ev.Type)
		}
		if ev.Room != room {
			t.Errorf("expected room %s, got %s", room, ev.Room)
		}
		if ev.Seq == 0 {
			t.Error("durable event should carry a sequence number")
		}
	}
}

func TestSendToUnknownConversationReturnsError(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})

	alice := ha.dial(t, "alice")
	sendFrame(t, alice, FrameSend, SendPayload{
		ConversationID: "nope",
		Role:           "user",
		Content:        "hello",
	})

	ev := readEvent(t, alice)
	if ev.Type != models.EventTypeError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	if data := eventData(t, ev); data["code"] != "unknown_conversation" {
		t.Errorf("expected unknown_conversation, got %q", data["code"])
	}
}

func TestTypingExcludesSender(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})
	ha.seedConversation(t, "conv-1")
	room := models.ConversationRoom("conv-1")

	alice := ha.dial(t, "alice")
	bob := ha.dial(t, "bob")
	sendFrame(t, alice, FrameSubscribe, SubscribePayload{Room: room})
	sendFrame(t, bob, FrameSubscribe, SubscribePayload{Room: room})
	ha.waitRoomMembers(t, room, 2)

	sendFrame(t, alice, FrameTypingStart, TypingPayload{ConversationID: "conv-1"})

	ev := readEvent(t, bob)
	if ev.Type != models.EventTypeTypingStart {
		t.Fatalf("expected %s, got %s", models.EventTypeTypingStart, ev.Type)
	}
	if data := eventData(t, ev); data["principal"] != "alice" {
		t.Errorf("expected alice as typist, got %q", data["principal"])
	}
	expectSilence(t, alice, 300*time.Millisecond)
}

func TestRateLimitedSendGetsErrorEvent(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{BurstSize: 1})
	ha.seedConversation(t, "conv-1")

	alice := ha.dial(t, "alice")
	sendFrame(t, alice, FrameSend, SendPayload{
		ConversationID: "conv-1", Role: "user", Content: "one",
	})
	sendFrame(t, alice, FrameSend, SendPayload{
		ConversationID: "conv-1", Role: "user", Content: "two",
	})

	ev := readEvent(t, alice)
	if ev.Type != models.EventTypeError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	if data := eventData(t, ev); data["code"] != "rate_limited" {
		t.Errorf("expected rate_limited, got %q", data["code"])
	}
}

func TestPresenceAnnouncesOnlineAndOffline(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})

	watcher := ha.dial(t, "watcher")
	sendFrame(t, watcher, FrameSubscribe, SubscribePayload{Room: models.PresenceRoom})
	ha.waitRoomMembers(t, models.PresenceRoom, 1)

	alice := ha.dial(t, "alice")
	ev := readEvent(t, watcher)
	if ev.Type != models.EventTypePresence {
		t.Fatalf("expected presence event, got %s", ev.Type)
	}
	if data := eventData(t, ev); data["principal"] != "alice" || data["status"] != "online" {
		t.Errorf("expected alice online, got %v", data)
	}

	_ = alice.Close()
	ev = readEvent(t, watcher)
	if data := eventData(t, ev); data["principal"] != "alice" || data["status"] != "offline" {
		t.Errorf("expected alice offline, got %v", data)
	}
}

func TestSecondConnectionDoesNotReannounceOnline(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})

	watcher := ha.dial(t, "watcher")
	sendFrame(t, watcher, FrameSubscribe, SubscribePayload{Room: models.PresenceRoom})
	ha.waitRoomMembers(t, models.PresenceRoom, 1)

	first := ha.dial(t, "alice")
	ev := readEvent(t, watcher)
	if data := eventData(t, ev); data["status"] != "online" {
		t.Fatalf("expected online, got %v", data)
	}

	second := ha.dial(t, "alice")
	expectSilence(t, watcher, 300*time.Millisecond)

	// Dropping one of two sessions is not an offline transition either.
	_ = second.Close()
	expectSilence(t, watcher, 300*time.Millisecond)

	_ = first.Close()
	ev = readEvent(t, watcher)
	if data := eventData(t, ev); data["status"] != "offline" {
		t.Errorf("expected offline after last session, got %v", data)
	}
}

func TestEvictionNotifiesSurvivingSessions(t *testing.T) {
	ha := newHarness(t, ratelimit.Config{})

	ha.dial(t, "alice")
	ids := ha.reg.PrincipalConns("alice")
	if len(ids) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(ids))
	}
	firstID := ids[0]

	survivor := ha.dial(t, "alice")
	ha.h.CloseConn(firstID, registry.ReasonEvictedIdle)

	ev := readEvent(t, survivor)
	if ev.Type != models.EventTypePresence {
		t.Fatalf("expected presence event, got %s", ev.Type)
	}
	data := eventData(t, ev)
	if data["status"] != "evicted" || data["principal"] != "alice" {
		t.Errorf("expected alice evicted, got %v", data)
	}
	if data["reason"] != string(registry.ReasonEvictedIdle) {
		t.Errorf("expected eviction reason, got %q", data["reason"])
	}
}
