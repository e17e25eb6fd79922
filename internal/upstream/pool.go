package upstream

import (
	"sync"

	"github.com/Deseer/websocket-postman/internal/config"
)

// Pool owns one Session per configured Connection. It implements
// router.ConnectionChecker and the connection half of style.StatsProvider.
type Pool struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	onMessage     InboundHandler
	onStateChange func(connID string, state State)
}

// NewPool builds a Pool from cfg's connections and starts each session's
// supervise loop. onMessage is invoked for every inbound frame from any
// connection, tagged with its connection ID, and is reused for every
// session Reconcile creates later.
func NewPool(cfg config.Config, onMessage InboundHandler) *Pool {
	p := &Pool{sessions: make(map[string]*Session, len(cfg.Connections)), onMessage: onMessage}
	for id, connCfg := range cfg.Connections {
		sess := NewSession(connCfg, onMessage)
		p.sessions[id] = sess
		sess.Start()
	}
	return p
}

// OnStateChange installs a callback invoked whenever any session's state
// transitions. Applied to sessions already in the pool and to every
// session created afterward (new connections, reloads).
func (p *Pool) OnStateChange(fn func(connID string, state State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateChange = fn
	for _, sess := range p.sessions {
		sess.OnStateChange(fn)
	}
}

// IsUp satisfies router.ConnectionChecker.
func (p *Pool) IsUp(connID string) bool {
	p.mu.RLock()
	sess, ok := p.sessions[connID]
	p.mu.RUnlock()
	return ok && sess.IsUp()
}

// ConnectionStats satisfies style.StatsProvider's connection half.
func (p *Pool) ConnectionStats() (total, connected int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total = len(p.sessions)
	for _, sess := range p.sessions {
		if sess.IsUp() {
			connected++
		}
	}
	return total, connected
}

// Send routes frame to connID's session. Returns false if the connection
// is unknown or unavailable, mirroring the Connection down edge case
// (router.MsgConnectionDown) so the dispatcher can synthesize a reply.
func (p *Pool) Send(connID string, frame []byte) bool {
	p.mu.RLock()
	sess, ok := p.sessions[connID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.Send(frame) == nil
}

// Connect administratively brings connID up, per §4.3's manual connect API.
func (p *Pool) Connect(connID string) bool {
	p.mu.RLock()
	sess, ok := p.sessions[connID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	sess.Connect()
	return true
}

// Disconnect administratively brings connID down.
func (p *Pool) Disconnect(connID string) bool {
	p.mu.RLock()
	sess, ok := p.sessions[connID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	sess.Disconnect()
	return true
}

// Reconcile applies a reloaded config's connection set: new connections are
// started, removed ones are stopped, and a connection whose url or token
// changed is torn down and redialed fresh; everything else keeps its live
// session untouched (§4.6 diff-apply).
func (p *Pool) Reconcile(cfg config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, connCfg := range cfg.Connections {
		sess, ok := p.sessions[id]
		if !ok {
			p.sessions[id] = p.newSession(connCfg)
			continue
		}
		if sess.cfg.URL != connCfg.URL || sess.cfg.Token != connCfg.Token {
			sess.Stop()
			p.sessions[id] = p.newSession(connCfg)
		}
	}
	for id, sess := range p.sessions {
		if _, ok := cfg.Connections[id]; !ok {
			sess.Stop()
			delete(p.sessions, id)
		}
	}
}

func (p *Pool) newSession(connCfg config.Connection) *Session {
	sess := NewSession(connCfg, p.onMessage)
	if p.onStateChange != nil {
		sess.OnStateChange(p.onStateChange)
	}
	sess.Start()
	return sess
}

// Close stops every session.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sess := range p.sessions {
		sess.Stop()
	}
}
