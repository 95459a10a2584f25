// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newFrameServer runs a WebSocket server that records every received frame.
func newFrameServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	received := make(chan string, 512)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), received
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.State == StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("client never reached connected state")
		}
	}
}

func collectFrames(t *testing.T, received <-chan string, n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	for len(got) < n {
		select {
		case f := <-received:
			got = append(got, f)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d frames", len(got), n)
		}
	}
	return got
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	initial := 250 * time.Millisecond
	max := 4 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 4 * time.Second},
		{100, 4 * time.Second},
		{0, 250 * time.Millisecond}, // clamped to first attempt
	}
	for _, tt := range tests {
		if got := Backoff(initial, max, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://unused", QueueSize: 3})

	for i := 0; i < 3; i++ {
		if err := c.Send([]byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if got := c.QueuedFrames(); got != 3 {
		t.Fatalf("expected 3 queued, got %d", got)
	}

	// Overflow drops the oldest.
	if err := c.Send([]byte("m3")); err != nil {
		t.Fatalf("overflow send failed: %v", err)
	}
	if got := c.QueuedFrames(); got != 3 {
		t.Fatalf("expected queue to stay at 3, got %d", got)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.pending[0]) != "m1" || string(c.pending[2]) != "m3" {
		t.Errorf("oldest frame should be dropped, queue: %q %q %q",
			c.pending[0], c.pending[1], c.pending[2])
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := New(Config{URL: "ws://unused"})
	c.Close()

	if err := c.Send([]byte("late")); err == nil {
		t.Fatal("send after Close should fail")
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed state, got %v", c.State())
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	c := New(Config{
		URL:            "ws://unused",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxAttempts:    3,
	})
	dialErr := errors.New("connection refused")
	dials := 0
	c.dial = func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error) {
		dials++
		return nil, dialErr
	}

	err := c.Run(context.Background())
	if err == nil || !errors.Is(err, dialErr) {
		t.Fatalf("expected terminal dial error, got %v", err)
	}
	if dials != 3 {
		t.Errorf("expected 3 dial attempts, got %d", dials)
	}
	if c.State() != StateFailed {
		t.Errorf("expected failed state, got %v", c.State())
	}

	// The terminal transition is observable.
	sawFailed := false
	for {
		select {
		case ev := <-c.Events():
			if ev.State == StateFailed {
				sawFailed = true
				if ev.Attempt != 3 {
					t.Errorf("failed event attempt %d, want 3", ev.Attempt)
				}
			}
			continue
		default:
		}
		break
	}
	if !sawFailed {
		t.Error("expected a StateFailed event")
	}
}

func TestCloseSuppressesRetry(t *testing.T) {
	c := New(Config{
		URL:            "ws://unused",
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	c.dial = func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Close should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(Config{
		URL:            "ws://unused",
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	c.dial = func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// The connected event must not be observable until every frame queued while
// disconnected is on the wire: frames sent right after the event arrive
// after the whole backlog, in original order.
func TestQueuedFramesFlushBeforeNewTraffic(t *testing.T) {
	url, received := newFrameServer(t)

	c := New(Config{URL: url, QueueSize: 128})
	const queued = 40
	for i := 0; i < queued; i++ {
		if err := c.Send([]byte(fmt.Sprintf("queued-%02d", i))); err != nil {
			t.Fatalf("queue send %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer c.Close()

	waitConnected(t, c)
	const live = 5
	for i := 0; i < live; i++ {
		if err := c.Send([]byte(fmt.Sprintf("live-%d", i))); err != nil {
			t.Fatalf("live send %d: %v", i, err)
		}
	}

	got := collectFrames(t, received, queued+live)
	for i := 0; i < queued; i++ {
		if want := fmt.Sprintf("queued-%02d", i); got[i] != want {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want)
		}
	}
	for i := 0; i < live; i++ {
		if want := fmt.Sprintf("live-%d", i); got[queued+i] != want {
			t.Fatalf("frame %d = %q, want %q", queued+i, got[queued+i], want)
		}
	}
}

// Sends racing the connect-time backlog drain either join the backlog or go
// through the serialized writer; nothing is lost and nothing is written
// concurrently.
func TestSendsDuringReconnectAreNotLost(t *testing.T) {
	url, received := newFrameServer(t)

	c := New(Config{URL: url, QueueSize: 512})
	const queued = 64
	for i := 0; i < queued; i++ {
		if err := c.Send([]byte(fmt.Sprintf("q-%02d", i))); err != nil {
			t.Fatalf("queue send %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer c.Close()

	const workers = 4
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := c.Send([]byte(fmt.Sprintf("w%d-%02d", w, i))); err != nil {
					t.Errorf("worker %d send %d: %v", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	got := collectFrames(t, received, queued+workers*perWorker)
	for i := 0; i < queued; i++ {
		if want := fmt.Sprintf("q-%02d", i); got[i] != want {
			t.Fatalf("backlog frame %d = %q, want %q", i, got[i], want)
		}
	}
	// Per-worker order is preserved even when workers interleave.
	next := make(map[string]int, workers)
	for _, f := range got[queued:] {
		worker, seq, ok := strings.Cut(f, "-")
		if !ok {
			t.Fatalf("unexpected frame %q", f)
		}
		n, err := strconv.Atoi(seq)
		if err != nil {
			t.Fatalf("unexpected frame %q: %v", f, err)
		}
		if n != next[worker] {
			t.Fatalf("%s frame %d arrived, want %d", worker, n, next[worker])
		}
		next[worker]++
	}
}

func TestDialSendsPrincipalHeader(t *testing.T) {
	c := New(Config{
		URL:            "ws://unused",
		Principal:      "alice",
		InitialBackoff: time.Millisecond,
		MaxAttempts:    1,
	})
	var gotHeader string
	c.dial = func(ctx context.Context, url string, hdr http.Header) (*websocket.Conn, error) {
		gotHeader = hdr.Get("X-Principal-ID")
		return nil, errors.New("connection refused")
	}

	_ = c.Run(context.Background())
	if gotHeader != "alice" {
		t.Errorf("expected principal header alice, got %q", gotHeader)
	}
}
