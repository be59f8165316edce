package bus

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// setupWS starts a websocket bus server over httptest and returns the
// backing hub plus a ws:// URL clients can dial.
func setupWS(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.ReleaseMode)
	hub := NewHub()
	t.Cleanup(func() { hub.Close() })

	srv := &Server{
		Hub:                hub,
		JWTSecret:          "test-secret",
		InsecureSkipVerify: true,
		Log:                zerolog.Nop(),
	}
	r := gin.New()
	r.GET("/ws", srv.Handle)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, wsURL, userID string) *Client {
	t.Helper()
	token, err := MintToken("test-secret", userID, time.Minute)
	if err != nil {
		t.Fatalf("mint token failed: %v", err)
	}
	c := Dial(wsURL, token, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSPublishSubscribe(t *testing.T) {
	_, wsURL := setupWS(t)
	ctx := context.Background()

	receiver := dialWS(t, wsURL, "bob")
	got := make(chan json.RawMessage, 1)
	unsub, err := receiver.Subscribe("user:bob", "new_message", func(ctx context.Context, payload json.RawMessage) {
		got <- payload
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	sender := dialWS(t, wsURL, "alice")
	ready := make(chan struct{}, 1)
	sender.OnConnState(func(connected bool) {
		if connected {
			ready <- struct{}{}
		}
	})
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("sender never connected")
	}

	// The receiver's subscription races its own connect; retry until the
	// round trip lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := sender.Publish(ctx, "user:bob", "new_message", map[string]string{"id": "m1"}); err != nil && time.Now().After(deadline) {
			t.Fatalf("publish failed: %v", err)
		}
		select {
		case payload := <-got:
			var decoded map[string]string
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			if decoded["id"] != "m1" {
				t.Fatalf("got payload %v, want id m1", decoded)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for delivery")
		}
	}
}

// A connected-state handler must be able to issue bus round trips, like
// fetching the presence roster, without stalling. The members reply is
// served by the read loop, so callbacks cannot run on the goroutine that
// feeds it.
func TestWSRosterAvailableOnConnect(t *testing.T) {
	hub, wsURL := setupWS(t)
	ctx := context.Background()

	if err := hub.EnterPresence(ctx, "presence:global", "bob"); err != nil {
		t.Fatalf("enter presence failed: %v", err)
	}

	type rosterResult struct {
		members []string
		dur     time.Duration
		err     error
	}
	results := make(chan rosterResult, 2)

	client := dialWS(t, wsURL, "alice")
	client.OnConnState(func(connected bool) {
		if !connected {
			return
		}
		start := time.Now()
		members, err := client.PresenceMembers(ctx, "presence:global")
		results <- rosterResult{members: members, dur: time.Since(start), err: err}
	})

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("presence members failed: %v", res.err)
		}
		if res.dur >= 3*time.Second {
			t.Fatalf("roster fetch took %v, read loop is starved", res.dur)
		}
		found := false
		for _, m := range res.members {
			if m == "bob" {
				found = true
			}
		}
		if !found {
			t.Fatalf("roster %v missing bob", res.members)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connected callback never completed")
	}
}
