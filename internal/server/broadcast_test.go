package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deckbridge/bridge/internal/carabiner"
	"github.com/gorilla/websocket"
)

func dialTestWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return WSMessage{Type: msg.Type, Payload: msg.Payload}
}

func TestWSInitialStatusAndPush(t *testing.T) {
	s, b := newTestServer("")
	conn := dialTestWS(t, s)

	// Connecting yields an immediate snapshot of the engine state.
	msg := readMessage(t, conn)
	if msg.Type != MsgStatus {
		t.Fatalf("first message type = %q, want status", msg.Type)
	}
	var payload StatusPayload
	if err := json.Unmarshal(msg.Payload.(json.RawMessage), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.State.Port != 17000 {
		t.Errorf("initial state port = %d, want 17000", payload.State.Port)
	}

	// A state change notifies subscribers, which reaches the socket.
	if err := b.SetSyncMode(carabiner.ModeOff); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn)
	if msg.Type != MsgStatus {
		t.Errorf("pushed message type = %q, want status", msg.Type)
	}
}

func TestClientCount(t *testing.T) {
	s, _ := newTestServer("")
	bc := s.broadcaster
	if bc.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", bc.ClientCount())
	}

	conn := dialTestWS(t, s)
	deadline := time.Now().Add(time.Second)
	for bc.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bc.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", bc.ClientCount())
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for bc.ClientCount() == 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bc.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after close, want 0", bc.ClientCount())
	}
}

func TestRemoveClientTwice(t *testing.T) {
	s, _ := newTestServer("")
	bc := s.broadcaster

	conn := dialTestWS(t, s)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for bc.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bc.mu.RLock()
	var c *client
	for cl := range bc.clients {
		c = cl
	}
	bc.mu.RUnlock()
	if c == nil {
		t.Fatal("no client registered")
	}

	bc.RemoveClient(c)
	// Second removal must not panic on the closed channel.
	bc.RemoveClient(c)
}
