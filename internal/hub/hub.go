// Package hub is the central router. It holds one connection record per
// logical address, forwards envelopes between them, tracks routed requests
// that still wait for a reply, and recovers them when endpoints reconnect.
//
// All hub state is owned by a single event loop. Transport callbacks,
// timers and the hub context's own runtime only post work to it.
package hub

import (
	"time"

	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
	"github.com/danmuck/ctxbus/internal/protocol/session"
	"github.com/danmuck/ctxbus/internal/runtime"
	"github.com/danmuck/ctxbus/internal/transport"
)

// Hub configuration.
type Config struct {
	Session  session.Config
	Observer Observer
}

// ConnectionInfo is a snapshot of one connection record.
type ConnectionInfo struct {
	Address     protocol.Address `json:"address"`
	Session     string           `json:"session"`
	RemoteAddr  string           `json:"remote_addr,omitempty"`
	ConnectedAt time.Time        `json:"connected_at"`
}

type connRecord struct {
	addr        protocol.Address
	session     string
	conn        transport.Conn
	connectedAt time.Time
}

type retryKey struct {
	session string
	dest    protocol.Address
}

// Hub routes envelopes between attached connections.
type Hub struct {
	cfg      Config
	observer Observer
	self     protocol.Address
	session  string
	runtime  *runtime.Runtime
	ledger   *ledger.Ledger
	loop     *loop

	// Loop-owned state.
	conns         map[protocol.Address]*connRecord
	onceConnected *registry[protocol.Address]
	sessionEnded  *registry[string]
	retries       map[retryKey]struct{}
	timers        map[*time.Timer]struct{}
}

// Hub constructor. The hub context's runtime is ready on return.
func New(cfg Config) *Hub {
	cfg.Session = cfg.Session.WithDefaults()
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	h := &Hub{
		cfg:           cfg,
		observer:      obs,
		self:          protocol.Address{Context: protocol.HubContext},
		session:       protocol.NewSessionID(),
		ledger:        ledger.New(),
		loop:          newLoop(),
		conns:         make(map[protocol.Address]*connRecord),
		onceConnected: newRegistry[protocol.Address](),
		sessionEnded:  newRegistry[string](),
		retries:       make(map[retryKey]struct{}),
		timers:        make(map[*time.Timer]struct{}),
	}
	h.runtime = runtime.New(runtime.Options{
		Self: h.self,
		Route: func(env protocol.Envelope) {
			h.loop.post(func() { h.route(env) })
		},
		OnLocalDelivery: h.localDelivery,
	})
	logging.Infof("hub.Hub.New session=%s grace=%s", h.session, cfg.Session.UIGrace())
	return h
}

// Runtime returns the hub context's own message runtime.
func (h *Hub) Runtime() *runtime.Runtime { return h.runtime }

// Session returns the hub's own session id.
func (h *Hub) Session() string { return h.session }

// SessionConfig returns the resolved session settings the hub runs with.
func (h *Hub) SessionConfig() session.Config { return h.cfg.Session }

// Attach hands a new physical connection to the hub.
func (h *Hub) Attach(conn transport.Conn) {
	if !h.loop.post(func() { h.onConnect(conn) }) {
		_ = conn.Close()
	}
}

// Connections returns a snapshot of connection records.
func (h *Hub) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	h.loop.do(func() {
		out = make([]ConnectionInfo, 0, len(h.conns))
		for _, rec := range h.conns {
			info := ConnectionInfo{
				Address:     rec.addr,
				Session:     rec.session,
				ConnectedAt: rec.connectedAt,
				RemoteAddr:  rec.conn.Meta().RemoteAddr,
			}
			out = append(out, info)
		}
	})
	return out
}

// Connected reports whether addr has a connection record.
func (h *Hub) Connected(addr protocol.Address) bool {
	ok := false
	h.loop.do(func() { _, ok = h.conns[addr] })
	return ok
}

// Ledger returns a snapshot of the waiting-reply ledger taken on the loop,
// after every event posted before the call.
func (h *Hub) Ledger() []ledger.Receipt {
	var out []ledger.Receipt
	if !h.loop.do(func() { out = h.ledger.Entries() }) {
		return h.ledger.Entries()
	}
	return out
}

// Close stops the loop, closes every attached connection and ends the hub
// runtime's pending tasks.
func (h *Hub) Close() {
	h.loop.do(func() {
		for t := range h.timers {
			t.Stop()
		}
		h.timers = map[*time.Timer]struct{}{}
		for addr, rec := range h.conns {
			_ = rec.conn.Close()
			delete(h.conns, addr)
			h.observer.ConnectionClosed(addr)
		}
	})
	h.loop.stop()
	h.runtime.Close()
	logging.Infof("hub.Hub.Close session=%s", h.session)
}

func (h *Hub) onConnect(conn transport.Conn) {
	addr, sess, err := protocol.DecodeConnectName(conn.Name())
	if err != nil {
		logging.Warnf("hub.Hub.onConnect reject remote=%q err=%v", conn.Meta().RemoteAddr, err)
		_ = conn.Close()
		return
	}
	if addr.Context == h.self.Context {
		logging.Warnf("hub.Hub.onConnect reject context=%s: hub context cannot connect", addr.Context)
		_ = conn.Close()
		return
	}
	if addr.Context.Scoped() && addr.Scope == 0 {
		addr.Scope = conn.Meta().Scope
	}

	rec := &connRecord{addr: addr, session: sess, conn: conn, connectedAt: time.Now()}
	if old, ok := h.conns[addr]; ok {
		logging.Debugf("hub.Hub.onConnect replace addr=%s old_session=%s new_session=%s", addr, old.session, sess)
	} else {
		h.observer.ConnectionOpened(addr)
	}
	h.conns[addr] = rec

	err = conn.Start(transport.Handler{
		Receive: func(payload []byte) {
			h.loop.post(func() { h.onFrame(rec, payload) })
		},
		Disconnect: func(err error) {
			h.loop.post(func() { h.onDisconnect(rec, err) })
		},
	})
	if err != nil {
		logging.Warnf("hub.Hub.onConnect start addr=%s err=%v", addr, err)
		h.onSessionEnd(addr, sess)
		return
	}
	logging.Infof("hub.Hub.onConnect addr=%s session=%s", addr, sess)
}

func (h *Hub) onDisconnect(rec *connRecord, err error) {
	logging.Infof("hub.Hub.onDisconnect addr=%s session=%s err=%v", rec.addr, rec.session, err)
	h.onSessionEnd(rec.addr, rec.session)
}

func (h *Hub) onFrame(rec *connRecord, raw []byte) {
	if cur, ok := h.conns[rec.addr]; !ok || cur != rec {
		logging.Debugf("hub.Hub.onFrame stale addr=%s session=%s", rec.addr, rec.session)
		return
	}
	frame, err := session.DecodeHubFrame(raw)
	if err != nil {
		logging.Warnf("hub.Hub.onFrame decode addr=%s err=%v", rec.addr, err)
		return
	}
	switch frame.Type {
	case session.FrameForward:
		env := frame.Envelope.Clone()
		if protocol.RouteAlias(env.Origin).Context != rec.addr.Context {
			logging.Warnf("hub.Hub.onFrame reject task_id=%s origin=%s conn=%s", env.TaskID, env.Origin, rec.addr)
			h.observer.Routed(env.Kind, OutcomeRejected)
			return
		}
		if env.Origin.Context.Scoped() {
			env.Origin.Scope = rec.addr.Scope
		}
		if err := env.Validate(); err != nil {
			logging.Warnf("hub.Hub.onFrame invalid envelope addr=%s err=%v", rec.addr, err)
			h.observer.Routed(env.Kind, OutcomeRejected)
			return
		}
		h.runtime.HandleEnvelope(env)
	case session.FrameResync:
		h.onResync(rec, *frame.Resync)
	}
}

func (h *Hub) notify(rec *connRecord, n session.Notification) {
	raw, err := session.EncodeNotification(n)
	if err != nil {
		logging.Errf("hub.Hub.notify encode status=%s err=%v", n.Status, err)
		return
	}
	if err := rec.conn.Send(raw); err != nil {
		logging.Debugf("hub.Hub.notify addr=%s status=%s err=%v", rec.addr, n.Status, err)
		return
	}
	h.observer.Notified(n.Status)
}

// after runs fn on the loop once d has elapsed.
func (h *Hub) after(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.loop.post(func() {
			if _, ok := h.timers[t]; !ok {
				return
			}
			delete(h.timers, t)
			fn()
		})
	})
	h.timers[t] = struct{}{}
}
