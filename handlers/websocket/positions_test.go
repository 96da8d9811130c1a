package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shapesync/core"
	"shapesync/ephemeral"
	"shapesync/ephemeral/wschannel"
	"shapesync/handlers/auth"
	"shapesync/middleware"
)

func f(v float64) *float64 { return &v }

type relay struct {
	backend *ephemeral.MemoryChannel
	hub     *PositionHub
	srv     *httptest.Server
	url     string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	auth.InitAuth("test-secret")
	backend := ephemeral.NewMemoryChannel()
	hub, err := NewPositionHub(context.Background(), backend)
	if err != nil {
		t.Fatalf("NewPositionHub() failed: %v", err)
	}
	srv := httptest.NewServer(middleware.AuthJWT(hub))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &relay{backend: backend, hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (r *relay) dial(t *testing.T, userID, name string) *wschannel.Channel {
	t.Helper()
	token, err := auth.CreateJWT(userID, name)
	if err != nil {
		t.Fatalf("CreateJWT() failed: %v", err)
	}
	ch, err := wschannel.Dial(context.Background(), r.url, token)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func subscribe(t *testing.T, ch core.PositionChannel) <-chan map[string]core.PositionRecord {
	t.Helper()
	updates := make(chan map[string]core.PositionRecord, 64)
	unsubscribe, err := ch.Subscribe(context.Background(), func(m map[string]core.PositionRecord) { updates <- m })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	t.Cleanup(unsubscribe)
	return updates
}

func waitFor(t *testing.T, updates <-chan map[string]core.PositionRecord, ok func(map[string]core.PositionRecord) bool) map[string]core.PositionRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-updates:
			if ok(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for positions")
			return nil
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPositionHub_RelaysWithSenderIdentity(t *testing.T) {
	r := newRelay(t)
	alice := r.dial(t, "alice", "Alice")
	bob := r.dial(t, "bob", "Bob")
	updates := subscribe(t, bob)

	ctx := context.Background()
	if err := alice.Publish(ctx, core.PositionRecord{ShapeID: "s1", X: f(10), Y: f(20), DraggingBy: "mallory"}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	m := waitFor(t, updates, func(m map[string]core.PositionRecord) bool { return len(m) == 1 })
	got := m["s1"]
	if got.DraggingBy != "alice" || got.DraggingByName != "Alice" {
		t.Errorf("sender = %q/%q, want alice/Alice", got.DraggingBy, got.DraggingByName)
	}
	if got.X == nil || *got.X != 10 {
		t.Errorf("x = %v, want 10", got.X)
	}

	// another user cannot withdraw alice's drag
	if err := bob.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if err := alice.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	waitFor(t, updates, func(m map[string]core.PositionRecord) bool { return len(m) == 0 })
}

func TestPositionHub_LateJoinerGetsCurrentMap(t *testing.T) {
	r := newRelay(t)
	_ = r.backend.Publish(context.Background(), core.PositionRecord{ShapeID: "s1", X: f(1), Y: f(1), DraggingBy: "carol"})

	bob := r.dial(t, "bob", "Bob")
	updates := subscribe(t, bob)
	waitFor(t, updates, func(m map[string]core.PositionRecord) bool { return m["s1"].DraggingBy == "carol" })
}

func TestPositionHub_DisconnectClearsUserRecords(t *testing.T) {
	r := newRelay(t)
	alice := r.dial(t, "alice", "Alice")
	bob := r.dial(t, "bob", "Bob")
	updates := subscribe(t, bob)

	ctx := context.Background()
	_ = alice.Publish(ctx, core.PositionRecord{ShapeID: "s1", X: f(1), Y: f(1)})
	_ = alice.Publish(ctx, core.PositionRecord{ShapeID: "s2", X: f(2), Y: f(2)})
	waitFor(t, updates, func(m map[string]core.PositionRecord) bool { return len(m) == 2 })

	alice.Close()
	waitFor(t, updates, func(m map[string]core.PositionRecord) bool { return len(m) == 0 })
	eventually(t, func() bool { return r.hub.Connections() == 1 })
}

func TestPositionHub_RequiresClaims(t *testing.T) {
	backend := ephemeral.NewMemoryChannel()
	hub, err := NewPositionHub(context.Background(), backend)
	if err != nil {
		t.Fatalf("NewPositionHub() failed: %v", err)
	}
	defer hub.Close()

	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest("GET", "/ws/positions", nil))
	if rr.Code != 401 {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}
