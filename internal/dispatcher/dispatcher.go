// Package dispatcher wires the frontend hub, the upstream pool, the
// router, the style manager, the correlation table, and the repository
// into the end-to-end message flow (C8). It owns nothing the other
// packages don't already own — its job is routing bytes between them and
// keeping the correlation table in sync with forwarded api_call frames.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/correlation"
	"github.com/Deseer/websocket-postman/internal/errs"
	"github.com/Deseer/websocket-postman/internal/frontend"
	"github.com/Deseer/websocket-postman/internal/logging"
	"github.com/Deseer/websocket-postman/internal/onebot"
	"github.com/Deseer/websocket-postman/internal/repository"
	"github.com/Deseer/websocket-postman/internal/router"
	"github.com/Deseer/websocket-postman/internal/style"
)

// ConnectionDispatcher is the subset of internal/upstream.Pool the
// dispatcher depends on, named here so tests can substitute a fake pool.
type ConnectionDispatcher interface {
	router.ConnectionChecker
	Send(connID string, frame []byte) bool
	Connect(connID string) bool
	Disconnect(connID string) bool
	ConnectionStats() (total, connected int)
	Reconcile(cfg config.Config)
}

// Stats is the shape of §6's snapshot_stats API response.
type Stats struct {
	Connections struct {
		Total     int `json:"total"`
		Connected int `json:"connected"`
	} `json:"connections"`
	Messages struct {
		Today int64 `json:"today"`
	} `json:"messages"`
	Correlation struct {
		InFlight int `json:"in_flight"`
	} `json:"correlation"`
}

// Dispatcher is the glue component described above.
type Dispatcher struct {
	snapshot    *config.Snapshot
	repo        repository.Repository
	corr        *correlation.Table
	style       *style.Manager
	frontendHub *frontend.Server
	upstream    ConnectionDispatcher

	onConnectionState func(connID, state string)
	onConfigReloaded  func()
}

// New assembles a Dispatcher from its already-constructed collaborators and
// wires the frontend hub's message handler. Connection-state and
// config-reload notices default to logging callbacks (see
// OnConnectionStateChanged/OnConfigReloaded), the same direct-callback
// style internal/upstream.Session and internal/frontend.Server already use
// for their own lifecycle notifications.
func New(snapshot *config.Snapshot, repo repository.Repository, corr *correlation.Table, styleMgr *style.Manager, frontendHub *frontend.Server, upstreamPool ConnectionDispatcher) *Dispatcher {
	d := &Dispatcher{
		snapshot:    snapshot,
		repo:        repo,
		corr:        corr,
		style:       styleMgr,
		frontendHub: frontendHub,
		upstream:    upstreamPool,
		onConnectionState: func(connID, state string) {
			logging.Infof("[dispatcher] connection %s: %s", connID, state)
		},
		onConfigReloaded: func() {
			logging.Infof("[dispatcher] configuration reloaded")
		},
	}
	frontendHub.SetMessageHandler(d.handleFrontendFrame)
	frontendHub.OnDisconnect(d.corr.EvictSession)
	return d
}

// OnConnectionStateChanged installs the callback invoked whenever a
// supervised upstream session transitions state, replacing the default
// logging callback installed by New.
func (d *Dispatcher) OnConnectionStateChanged(fn func(connID, state string)) {
	d.onConnectionState = fn
}

// OnConfigReloaded installs the callback invoked after a successful
// hot-reload swap, replacing the default logging callback installed by New.
func (d *Dispatcher) OnConfigReloaded(fn func()) {
	d.onConfigReloaded = fn
}

// NotifyConnectionState lets internal/upstream report a state transition.
func (d *Dispatcher) NotifyConnectionState(connID, state string) {
	d.onConnectionState(connID, state)
}

// HandleUpstreamFrame is the InboundHandler passed to internal/upstream.Pool.
// api_response frames resolve a correlation entry and are delivered to the
// waiting frontend session; everything else is dropped, since inbound
// upstream traffic other than responses has no addressed recipient.
func (d *Dispatcher) HandleUpstreamFrame(connID string, raw []byte) {
	f := onebot.Classify(raw)
	if f.Kind != onebot.APIResponse || !f.HasEcho {
		return
	}
	session, ok := d.corr.Take(f.Echo)
	if !ok {
		logging.Debugf("[dispatcher] no correlation entry for echo %s from %s", f.Echo, connID)
		return
	}
	if !d.frontendHub.Send(session, raw) {
		logging.Warnf("[dispatcher] dropped api_response for %s: frontend session gone", session)
	}
}

// handleFrontendFrame is the frontend.MessageHandler: every frame a
// frontend session sends is classified and resolved.
func (d *Dispatcher) handleFrontendFrame(sessionID string, raw []byte) {
	cfg := d.snapshot.Current()
	f := onebot.Classify(raw)

	switch f.Kind {
	case onebot.MessageEvent:
		// handled below
	case onebot.APICall:
		d.broadcastToForwardTargets(cfg, sessionID, raw, f)
		return
	case onebot.MetaEvent, onebot.Other:
		d.broadcastToForwardTargets(cfg, "", raw, f)
		return
	default:
		return
	}

	d.style.CountMessage()

	user, err := d.repo.GetUser(context.Background(), f.UserID)
	if err != nil {
		logging.Warnf("[dispatcher] repository unavailable, proceeding with transient record: %v", &errs.RepositoryUnavailable{Cause: err})
		user = repository.UserRecord{QQID: f.UserID, SelectedStyles: map[string]string{}}
	}

	req := router.Request{
		Text:         f.Text,
		SenderID:     f.UserID,
		GroupID:      f.GroupID,
		HasGroupID:   f.HasGroupID,
		IsPrivileged: user.IsPrivileged || cfg.IsAdmin(f.UserID),
		Raw:          raw,
	}

	decision := router.Resolve(cfg, user, req, d.style, d.upstream)
	d.applyDecision(sessionID, decision)
}

// broadcastToForwardTargets implements §4.4 bullet 4 (and, by the same
// mechanism, bullet 3): meta_event and other frames pass through
// unchanged to every connection with allow_forward=true; an api_call
// issued directly by a frontend is fanned out the same way, with a
// single correlation entry inserted so whichever upstream answers first
// reaches the caller.
func (d *Dispatcher) broadcastToForwardTargets(cfg config.Config, sessionID string, raw []byte, f onebot.Frame) {
	payload := raw
	if sessionID != "" && f.Kind == onebot.APICall {
		echo := f.Echo
		if !f.HasEcho {
			echo = uuid.NewString()
			if withEcho, err := onebot.WithEcho(payload, echo); err == nil {
				payload = withEcho
			}
		}
		d.corr.Insert(echo, sessionID)
	}
	for connID, conn := range cfg.Connections {
		if !conn.AllowForward {
			continue
		}
		d.upstream.Send(connID, payload)
	}
}

func (d *Dispatcher) applyDecision(sessionID string, decision router.Decision) {
	switch decision.Kind {
	case router.Drop:
		return
	case router.Reply:
		payload := []byte(fmt.Sprintf(`{"post_type":"message","raw_message":%q}`, decision.Text))
		d.frontendHub.Send(sessionID, payload)
	case router.Forward:
		payload := decision.Payload
		f := onebot.Classify(payload)
		if f.Kind == onebot.APICall {
			echo := f.Echo
			if !f.HasEcho {
				echo = uuid.NewString()
				if withEcho, err := onebot.WithEcho(payload, echo); err == nil {
					payload = withEcho
				}
			}
			d.corr.Insert(echo, sessionID)
		}
		if !d.upstream.Send(decision.ConnectionID, payload) {
			d.frontendHub.Send(sessionID, []byte(fmt.Sprintf(`{"post_type":"message","raw_message":%q}`, router.MsgConnectionDown)))
		}
	}
}

// ReloadConfig validates and atomically swaps in a new configuration,
// per §4.6's diff-apply contract. The old snapshot keeps serving
// in-flight decisions if validation fails.
func (d *Dispatcher) ReloadConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return &errs.ConfigInvalid{Path: path, Reason: err.Error()}
	}
	d.snapshot.Store(cfg)
	d.upstream.Reconcile(cfg)
	d.onConfigReloaded()
	return nil
}

// Connect/Disconnect expose the administrative connection controls (§4.3)
// through the dispatcher so cmd/dispatcherd doesn't need to reach into
// internal/upstream directly.
func (d *Dispatcher) Connect(connID string) bool    { return d.upstream.Connect(connID) }
func (d *Dispatcher) Disconnect(connID string) bool { return d.upstream.Disconnect(connID) }

// SnapshotStats answers §6's snapshot_stats operation.
func (d *Dispatcher) SnapshotStats() Stats {
	var s Stats
	s.Connections.Total, s.Connections.Connected = d.upstream.ConnectionStats()
	s.Correlation.InFlight = d.corr.Len()
	s.Messages.Today = d.style.MessagesToday()
	return s
}

// Close releases the dispatcher's own resources. The frontend hub, the
// upstream pool, the correlation table, and the style manager are owned
// by the caller and stopped independently.
func (d *Dispatcher) Close() {}
