// Package upstream owns the supervised WebSocket sessions to backend
// bots (C3), adapted from the teacher's internal/neboloop/sdk.Client: the
// dial/read-loop/reconnect-with-backoff/heartbeat control flow is kept,
// the binary framed protocol is replaced with plain JSON OneBot text
// frames over github.com/gobwas/ws.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/secrets"
)

// State is the session state machine named in §4.3:
// Disconnected -> Dialing -> Connected -> (Errored|Closing) -> Disconnected.
type State int

const (
	Disconnected State = iota
	Dialing
	Connected
	Errored
	Closing
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 60 * time.Second
	queueDrainWait = 30 * time.Second
)

// InboundHandler receives every frame read from an upstream connection.
type InboundHandler func(connID string, raw []byte)

// Session supervises one Connection's lifecycle.
type Session struct {
	cfg config.Connection

	mu      sync.RWMutex
	state   State
	desired State // Connected or Disconnected; the supervisor reconciles toward it
	conn    net.Conn
	lastPong time.Time

	writeMu sync.Mutex
	sendQueue chan []byte
	disconnectedAt time.Time

	onMessage   InboundHandler
	onStateChange func(connID string, state State)
	logger      *slog.Logger

	done chan struct{}
}

// NewSession creates a Session for cfg. Call Start to begin dialing.
func NewSession(cfg config.Connection, onMessage InboundHandler) *Session {
	return &Session{
		cfg:       cfg,
		state:     Disconnected,
		desired:   Connected,
		sendQueue: make(chan []byte, 256),
		onMessage: onMessage,
		logger:    slog.Default().With("component", "upstream", "conn_id", cfg.ID),
		done:      make(chan struct{}),
	}
}

// OnStateChange installs a callback invoked whenever the session's state
// transitions, letting internal/dispatcher observe connection lifecycle
// changes without this package depending on internal/dispatcher.
func (s *Session) OnStateChange(fn func(connID string, state State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

// Start begins the supervised connect loop in the background.
func (s *Session) Start() {
	go s.superviseLoop()
}

// Stop sets the desired state to Disconnected and closes the live
// connection, if any.
func (s *Session) Stop() {
	s.mu.Lock()
	s.desired = Disconnected
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Connect sets the desired state to Connected, triggering a dial if the
// session isn't already up. Administrative connect per §4.3.
func (s *Session) Connect() {
	s.mu.Lock()
	wasDisconnected := s.desired == Disconnected
	s.desired = Connected
	s.mu.Unlock()
	if wasDisconnected {
		go s.superviseLoop()
	}
}

// Disconnect sets the desired state to Disconnected and closes the live
// connection, if any, without stopping the session's goroutines for good
// (a later Connect() resumes it).
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.desired = Disconnected
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsUp reports whether the session is currently Connected.
func (s *Session) IsUp() bool {
	return s.State() == Connected
}

// Send enqueues frame for delivery. Fails fast if the desired state is
// Disconnected (§4.3's send API contract).
func (s *Session) Send(frame []byte) error {
	s.mu.RLock()
	desired := s.desired
	s.mu.RUnlock()
	if desired == Disconnected {
		return fmt.Errorf("upstream %s: connection_unavailable", s.cfg.ID)
	}
	select {
	case s.sendQueue <- frame:
		return nil
	default:
		return fmt.Errorf("upstream %s: send queue full", s.cfg.ID)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(s.cfg.ID, st)
	}
}

func (s *Session) superviseLoop() {
	attempt := 0
	for {
		s.mu.RLock()
		desired := s.desired
		s.mu.RUnlock()
		if desired == Disconnected {
			s.setState(Disconnected)
			return
		}

		s.setState(Dialing)
		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("dial failed", "attempt", attempt, "error", err)
			s.setState(Errored)
			s.markDisconnectedAndMaybeDrain()
			if !s.cfg.AutoReconnect {
				s.setState(Disconnected)
				return
			}
			if !s.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.lastPong = time.Now()
		s.disconnectedAt = time.Time{}
		s.mu.Unlock()
		s.setState(Connected)
		s.logger.Info("connected")

		s.runConnected(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.markDisconnectedAndMaybeDrain()

		s.mu.RLock()
		desired = s.desired
		s.mu.RUnlock()
		if desired == Disconnected || !s.cfg.AutoReconnect {
			s.setState(Disconnected)
			return
		}
		s.setState(Errored)
	}
}

// markDisconnectedAndMaybeDrain records the start of a down period on the
// first call after a successful connection, and once the session has been
// down longer than queueDrainWait, fails every frame still queued rather
// than delivering stale traffic once a connection resumes (§4.3).
func (s *Session) markDisconnectedAndMaybeDrain() {
	s.mu.Lock()
	if s.disconnectedAt.IsZero() {
		s.disconnectedAt = time.Now()
		s.mu.Unlock()
		return
	}
	stale := time.Since(s.disconnectedAt) > queueDrainWait
	s.mu.Unlock()
	if !stale {
		return
	}
	for {
		select {
		case <-s.sendQueue:
		default:
			return
		}
	}
}

func (s *Session) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialer := ws.Dialer{Timeout: dialTimeout}
	if s.cfg.Token != "" {
		token, err := secrets.Resolve(s.cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("resolving token: %w", err)
		}
		dialer.Header = ws.HandshakeHeaderHTTP(map[string][]string{
			"Authorization": {"Bearer " + token},
		})
	}
	conn, _, _, err := dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// runConnected blocks for the lifetime of one connection, running the
// reader, writer, and ping ticker concurrently. It returns when the
// connection drops or the session is asked to stop.
func (s *Session) runConnected(conn net.Conn) {
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }

	go func() {
		// NextFrame hands control frames (ping/pong/close) to OnIntermediate
		// instead of returning them as data; wrap the library's default
		// handler (auto-replies to pings, handles close) so a real Pong
		// also refreshes lastPong for the liveness check below.
		control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
		rd := wsutil.Reader{
			Source:    conn,
			State:     ws.StateClientSide,
			CheckUTF8: true,
			OnIntermediate: func(hdr ws.Header, r io.Reader) error {
				if hdr.OpCode == ws.OpPong {
					s.recordPong()
					return nil
				}
				return control(hdr, r)
			},
		}

		for {
			hdr, err := rd.NextFrame()
			if err != nil {
				readErr <- err
				closeStop()
				return
			}
			if hdr.OpCode != ws.OpText {
				if err := rd.Discard(); err != nil {
					readErr <- err
					closeStop()
					return
				}
				continue
			}
			data, err := io.ReadAll(&rd)
			if err != nil {
				readErr <- err
				closeStop()
				return
			}
			if s.onMessage != nil {
				s.onMessage(s.cfg.ID, data)
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			conn.Close()
			return
		case frame := <-s.sendQueue:
			if err := s.writeText(conn, frame); err != nil {
				s.logger.Warn("write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			s.mu.RLock()
			since := time.Since(s.lastPong)
			s.mu.RUnlock()
			if since > pongTimeout {
				s.logger.Warn("missed pong, forcing reconnect")
				conn.Close()
				return
			}
			if err := s.ping(conn); err != nil {
				conn.Close()
				return
			}
		case err := <-readErr:
			s.logger.Warn("read failed", "error", err)
			return
		}
	}
}

func (s *Session) writeText(conn net.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteClientText(conn, data)
}

func (s *Session) ping(conn net.Conn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteClientMessage(conn, ws.OpPing, nil)
}

// recordPong refreshes the liveness timestamp the ping ticker checks
// against pongTimeout, called whenever a Pong control frame arrives.
func (s *Session) recordPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// sleepBackoff waits an exponentially-growing, jittered delay before the
// next dial attempt, returning false if the session was stopped meanwhile.
// The base delay is the connection's configured reconnect_interval_s,
// falling back to backoffBase when unset.
func (s *Session) sleepBackoff(attempt int) bool {
	base := backoffBase
	if s.cfg.ReconnectIntervalS > 0 {
		base = time.Duration(s.cfg.ReconnectIntervalS) * time.Second
	}
	delay := base
	for i := 0; i < attempt && delay < backoffCap; i++ {
		delay *= 2
	}
	delay = min(delay, backoffCap)
	jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
	delay = delay - delay/4 + jitter

	select {
	case <-s.done:
		return false
	case <-time.After(delay):
		return true
	}
}
