package frontend

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewServer(t *testing.T) {
	s := NewServer()
	if s.sessions == nil || s.register == nil || s.unregister == nil {
		t.Fatal("NewServer left internal channels/maps nil")
	}
}

func TestServerAcceptsConnectionAndDeliversFrames(t *testing.T) {
	s := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	received := make(chan string, 1)
	s.SetMessageHandler(func(sessionID string, raw []byte) {
		received <- string(raw)
	})

	ts := httptest.NewServer(s)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"message"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(msg, "post_type") {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to be called")
	}

	time.Sleep(20 * time.Millisecond)
	if s.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", s.SessionCount())
	}
}

func TestServerSendUnknownSessionFails(t *testing.T) {
	s := NewServer()
	if s.Send("nonexistent", []byte("x")) {
		t.Error("expected Send to unknown session to fail")
	}
}

func TestServerOnDisconnectFiresOnClose(t *testing.T) {
	s := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	disconnected := make(chan string, 1)
	s.OnDisconnect(func(sessionID string) { disconnected <- sessionID })

	ts := httptest.NewServer(s)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case id := <-disconnected:
		if id == "" {
			t.Error("expected a non-empty session id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onDisconnect callback")
	}
}
