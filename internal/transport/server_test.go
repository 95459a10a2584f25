// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/convosync/convosync/internal/store"
)

func TestHealthReportsStoreStats(t *testing.T) {
	st, err := store.Open(store.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	handler := healthHandler(HealthSource{
		Store:        st,
		BreakerState: func() string { return "closed" },
		Connections:  func() int { return 3 },
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field %v, want ok", body["status"])
	}
	if body["breaker"] != "closed" {
		t.Errorf("breaker field %v, want closed", body["breaker"])
	}
	if body["connections"] != float64(3) {
		t.Errorf("connections field %v, want 3", body["connections"])
	}
	for _, key := range []string{"last_seq", "fold_seq", "unfolded_log_bytes"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %s in health body", key)
		}
	}
}

func TestHealthDegradedWhenBreakerOpen(t *testing.T) {
	handler := healthHandler(HealthSource{
		BreakerState: func() string { return "open" },
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field %v, want degraded", body["status"])
	}
}

func TestRouterRateLimitsByIP(t *testing.T) {
	router := NewRouter(Config{IPRequestsPerMinute: 5}, nil, HealthSource{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	var last int
	for i := 0; i < 6; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("6th request status %d, want 429", last)
	}
}
