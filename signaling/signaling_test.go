package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := chi.NewRouter()
	hub.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("connection closed: %v", c.Err())
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	return Message{}
}

func TestRelayBetweenPeers(t *testing.T) {
	hub, base := startHub(t)
	a := dial(t, base+"/ws/call-1")
	b := dial(t, base+"/ws/call-1")
	waitFor(t, "two peers", func() bool { return hub.Peers("call-1") == 2 })

	if err := a.SendPayload(TypeOffer, map[string]string{"sdp": "v=0"}); err != nil {
		t.Fatal(err)
	}
	m := recv(t, b)
	if m.Type != TypeOffer {
		t.Fatalf("type = %q", m.Type)
	}
	var payload map[string]string
	json.Unmarshal(m.Payload, &payload)
	if payload["sdp"] != "v=0" {
		t.Fatalf("payload = %s", m.Payload)
	}

	// The sender does not get its own message back.
	b.Send(Message{Type: TypeAnswer})
	if m := recv(t, a); m.Type != TypeAnswer {
		t.Fatalf("a got %q", m.Type)
	}
}

func TestThirdPeerRefused(t *testing.T) {
	hub, base := startHub(t)
	dial(t, base+"/ws/call-2")
	dial(t, base+"/ws/call-2")
	waitFor(t, "two peers", func() bool { return hub.Peers("call-2") == 2 })

	c := dial(t, base+"/ws/call-2")
	m := recv(t, c)
	if m.Type != TypeError || m.Message != ErrRoomFull {
		t.Fatalf("third peer got %+v", m)
	}
	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Fatal("expected connection to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	if !websocket.IsCloseError(c.Err(), websocket.ClosePolicyViolation) {
		t.Fatalf("close err = %v, want 1008", c.Err())
	}
	if hub.Peers("call-2") != 2 {
		t.Fatalf("peers = %d", hub.Peers("call-2"))
	}
}

func TestPeerLeftAndRoomCleanup(t *testing.T) {
	hub, base := startHub(t)
	a := dial(t, base+"/ws/call-3")
	b := dial(t, base+"/ws/call-3")
	waitFor(t, "two peers", func() bool { return hub.Peers("call-3") == 2 })

	a.Close()
	if m := recv(t, b); m.Type != TypePeerLeft {
		t.Fatalf("b got %+v", m)
	}
	waitFor(t, "one peer", func() bool { return hub.Peers("call-3") == 1 })

	// The freed slot can be taken again.
	c := dial(t, base+"/ws/call-3")
	waitFor(t, "rejoin", func() bool { return hub.Peers("call-3") == 2 })
	c.Close()
	b.Close()
	waitFor(t, "empty rooms removed", func() bool { return hub.Rooms() == 0 })
}

func TestNonJSONDropped(t *testing.T) {
	hub, base := startHub(t)
	a := dial(t, base+"/ws/call-4")
	b := dial(t, base+"/ws/call-4")
	waitFor(t, "two peers", func() bool { return hub.Peers("call-4") == 2 })

	a.wmu.Lock()
	a.conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	a.wmu.Unlock()
	a.Send(Message{Type: TypeCandidate})

	if m := recv(t, b); m.Type != TypeCandidate {
		t.Fatalf("b got %+v", m)
	}
}

func TestInvalidRoom(t *testing.T) {
	_, base := startHub(t)
	_, err := Dial(context.Background(), base+"/ws/bad%20room", nil)
	if err == nil {
		t.Fatal("invalid room accepted")
	}
	resp, err := http.Get("http" + strings.TrimPrefix(base, "ws") + "/ws/bad%20room")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAllowedOrigins(t *testing.T) {
	hub := NewHub(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithAllowedOrigins("app.example.org"))
	r := chi.NewRouter()
	hub.Mount(r)
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call-5"

	if _, err := Dial(context.Background(), url, http.Header{"Origin": {"https://evil.example"}}); err == nil {
		t.Fatal("foreign origin accepted")
	}
	c, err := Dial(context.Background(), url, http.Header{"Origin": {"https://app.example.org"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	c.Close()
	native, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("no origin: %v", err)
	}
	native.Close()
}
