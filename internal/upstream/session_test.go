package upstream

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Deseer/websocket-postman/internal/config"
)

// mockBackend is a minimal OneBot-speaking test server, grounded on the
// teacher's sdk.mockGateway but with the JSON text framing this package
// uses instead of the teacher's binary protocol.
type mockBackend struct {
	server *httptest.Server

	mu      sync.Mutex
	conns   []net.Conn
	connCh  chan net.Conn
	authHdr string
}

func newMockBackend() *mockBackend {
	b := &mockBackend{connCh: make(chan net.Conn, 10)}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.authHdr = r.Header.Get("Authorization")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		b.connCh <- conn

		for {
			_, _, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
		}
	}))
	return b
}

func (b *mockBackend) url() string { return "ws" + b.server.URL[4:] }

func (b *mockBackend) close() {
	b.mu.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.mu.Unlock()
	b.server.Close()
}

func TestSessionConnectsAndReceivesFrame(t *testing.T) {
	backend := newMockBackend()
	defer backend.close()

	received := make(chan []byte, 1)
	sess := NewSession(config.Connection{ID: "a", URL: backend.url(), AutoReconnect: true, Token: "secret"}, func(_ string, raw []byte) {
		received <- raw
	})
	sess.Start()
	defer sess.Stop()

	conn := <-backend.connCh

	deadline := time.Now().Add(2 * time.Second)
	for !sess.IsUp() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.IsUp() {
		t.Fatal("session never reported Connected")
	}
	if backend.authHdr != "Bearer secret" {
		t.Errorf("expected bearer auth header, got %q", backend.authHdr)
	}

	if err := wsutil.WriteServerText(conn, []byte(`{"post_type":"message"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case frame := <-received:
		if string(frame) != `{"post_type":"message"}` {
			t.Errorf("unexpected frame: %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestSessionSendDeliversToBackend(t *testing.T) {
	backend := newMockBackend()
	defer backend.close()

	sess := NewSession(config.Connection{ID: "a", URL: backend.url(), AutoReconnect: true}, nil)
	sess.Start()
	defer sess.Stop()

	<-backend.connCh
	deadline := time.Now().Add(2 * time.Second)
	for !sess.IsUp() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := sess.Send([]byte(`{"action":"send_msg"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSessionSendFailsWhenDisconnected(t *testing.T) {
	sess := NewSession(config.Connection{ID: "a", URL: "ws://127.0.0.1:1"}, nil)
	sess.Disconnect()
	if err := sess.Send([]byte("x")); err == nil {
		t.Error("expected Send to fail once Disconnect has been called")
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	backend := newMockBackend()
	defer backend.close()

	sess := NewSession(config.Connection{ID: "a", URL: backend.url(), AutoReconnect: true}, nil)
	sess.Start()
	defer sess.Stop()

	first := <-backend.connCh
	deadline := time.Now().Add(2 * time.Second)
	for !sess.IsUp() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.IsUp() {
		t.Fatal("session never connected the first time")
	}

	first.Close()

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-backend.connCh:
			return
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
	t.Fatal("session never reconnected after the backend dropped the connection")
}

func TestSessionRecordPongRefreshesLiveness(t *testing.T) {
	sess := NewSession(config.Connection{ID: "a", URL: "ws://127.0.0.1:1"}, nil)

	sess.mu.Lock()
	sess.lastPong = time.Now().Add(-2 * pongTimeout)
	sess.mu.Unlock()

	sess.recordPong()

	sess.mu.RLock()
	since := time.Since(sess.lastPong)
	sess.mu.RUnlock()
	if since > time.Second {
		t.Errorf("expected lastPong to be refreshed to ~now, got %s ago", since)
	}
}

func TestSessionUpdatesLastPongOnRealPongFrame(t *testing.T) {
	backend := newMockBackend()
	defer backend.close()

	sess := NewSession(config.Connection{ID: "a", URL: backend.url(), AutoReconnect: true}, nil)
	sess.Start()
	defer sess.Stop()

	conn := <-backend.connCh
	deadline := time.Now().Add(2 * time.Second)
	for !sess.IsUp() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.IsUp() {
		t.Fatal("session never reported Connected")
	}

	sess.mu.Lock()
	sess.lastPong = time.Now().Add(-2 * pongTimeout)
	sess.mu.Unlock()

	if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
		t.Fatalf("server write pong: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.RLock()
		stale := time.Since(sess.lastPong) > pongTimeout
		sess.mu.RUnlock()
		if !stale {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lastPong was never refreshed by an incoming Pong frame")
}

func TestPoolIsUpAndStats(t *testing.T) {
	backend := newMockBackend()
	defer backend.close()

	cfg := config.Config{Connections: map[string]config.Connection{
		"a": {ID: "a", URL: backend.url(), AutoReconnect: true},
		"b": {ID: "b", URL: "ws://127.0.0.1:1", AutoReconnect: false},
	}}
	pool := NewPool(cfg, nil)
	defer pool.Close()

	<-backend.connCh
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.IsUp("a") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !pool.IsUp("a") {
		t.Error("expected connection a to be up")
	}
	if pool.IsUp("missing") {
		t.Error("expected unknown connection to report down")
	}

	total, connected := pool.ConnectionStats()
	if total != 2 {
		t.Errorf("expected total=2, got %d", total)
	}
	if connected < 1 {
		t.Errorf("expected at least 1 connected, got %d", connected)
	}
}
