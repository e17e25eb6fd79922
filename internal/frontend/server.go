// Package frontend terminates inbound WebSocket sessions from chat-bot
// frontends (C4), adapted from the teacher's internal/agenthub.Hub: the
// same register/unregister-channel hub loop and read/write pump pair,
// generalized from named "agent" connections speaking a req/res envelope
// to anonymous sessions speaking raw OneBot v11 JSON frames.
package frontend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Deseer/websocket-postman/internal/logging"
)

const (
	maxMessageBytes = 1 << 20 // 1MB; OneBot frames are small JSON objects
	readTimeout     = 10 * time.Minute
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	sendBufferSize  = 256
)

// Session is one connected frontend.
type Session struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	CreatedAt time.Time
}

// MessageHandler is invoked for every frame a session sends. Implemented
// by internal/dispatcher.
type MessageHandler func(sessionID string, raw []byte)

// Server is the inbound WebSocket hub.
type Server struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session

	handlerMu sync.RWMutex
	handler   MessageHandler

	disconnectMu sync.RWMutex
	onDisconnect func(sessionID string)

	upgrader websocket.Upgrader
}

// NewServer creates a Server. Call Run to start its event loop.
func NewServer() *Server {
	return &Server{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 1),
		unregister: make(chan *Session, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run processes register/unregister events until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess := <-s.register:
			s.addSession(sess)
		case sess := <-s.unregister:
			s.removeSession(sess)
		}
	}
}

// SetMessageHandler installs the callback invoked for every inbound frame.
func (s *Server) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

// OnDisconnect installs the callback invoked with a session's id once it is
// removed, letting internal/dispatcher evict any correlation entries still
// tied to it (§5: "outstanding correlation entries tied to it are marked
// caller_gone").
func (s *Server) OnDisconnect(fn func(sessionID string)) {
	s.disconnectMu.Lock()
	defer s.disconnectMu.Unlock()
	s.onDisconnect = fn
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	logging.Infof("[frontend] session connected: %s", sess.ID)
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok && existing == sess {
		defer func() { recover() }() // Send may already be closed
		close(sess.Send)
		sess.Conn.Close()
		delete(s.sessions, sess.ID)
		logging.Infof("[frontend] session disconnected: %s", sess.ID)

		s.disconnectMu.RLock()
		cb := s.onDisconnect
		s.disconnectMu.RUnlock()
		if cb != nil {
			cb(sess.ID)
		}
	}
}

// SessionCount returns the number of currently connected frontends.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Send delivers raw to sessionID's outbound queue. Returns false if the
// session is gone or its buffer is full.
func (s *Server) Send(sessionID string, raw []byte) bool {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case sess.Send <- raw:
		return true
	default:
		return false
	}
}

// ServeHTTP lets Server be mounted directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades r and starts the session's read/write pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[frontend] upgrade error: %v", err)
		return
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Conn:      conn,
		Send:      make(chan []byte, sendBufferSize),
		CreatedAt: time.Now(),
	}

	s.register <- sess

	go s.readPump(sess)
	go s.writePump(sess)
}

func (s *Server) readPump(sess *Session) {
	defer func() { s.unregister <- sess }()

	sess.Conn.SetReadLimit(maxMessageBytes)
	sess.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	sess.Conn.SetPongHandler(func(string) error {
		sess.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Errorf("[frontend] unexpected close for %s: %v", sess.ID, err)
			}
			return
		}

		s.handlerMu.RLock()
		h := s.handler
		s.handlerMu.RUnlock()
		if h != nil {
			h(sess.ID, message)
		}
	}
}

func (s *Server) writePump(sess *Session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.Send:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				sess.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := sess.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
