package hub

import (
	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
	"github.com/danmuck/ctxbus/internal/protocol/session"
)

// resolve returns the connection-record key for env's destination and the
// destination as it is written on the delivered envelope.
func resolve(env protocol.Envelope) (lookup protocol.Address, delivered protocol.Address) {
	lookup = protocol.RouteAlias(env.Destination)
	if lookup.Context.Scoped() && lookup.Scope == 0 {
		lookup.Scope = env.Origin.Scope
	}
	delivered = protocol.Address{Context: env.Destination.Context, Scope: lookup.Scope}
	if delivered.Context.ScopeUnaware() {
		delivered.Scope = 0
	}
	return lookup, delivered
}

// sender returns the party that emitted env and its live record, if any.
func (h *Hub) sender(env protocol.Envelope) (ledger.Party, *connRecord) {
	addr := protocol.RouteAlias(env.Origin)
	if addr == h.self {
		return ledger.Party{Address: addr, Session: h.session}, nil
	}
	rec, ok := h.conns[addr]
	if !ok {
		return ledger.Party{Address: addr}, nil
	}
	return ledger.Party{Address: addr, Session: rec.session}, rec
}

func (h *Hub) route(env protocol.Envelope) {
	from, fromRec := h.sender(env)
	lookup, delivered := resolve(env)

	if dest, ok := h.conns[lookup]; ok {
		out := env.Clone()
		out.Destination = delivered
		h.notify(dest, session.Replied(out))

		receipt := ledger.Receipt{
			Envelope: out,
			From:     from,
			To:       ledger.Party{Address: lookup, Session: dest.session},
		}
		switch env.Kind {
		case protocol.KindRequest:
			h.ledger.Add(receipt)
		case protocol.KindReply:
			h.ledger.Remove(env.TaskID)
		}
		h.observer.LedgerSize(h.ledger.Len())
		if fromRec != nil {
			h.notify(fromRec, session.Transferring(receipt))
		}
		h.observer.Routed(env.Kind, OutcomeTransferred)
		logging.Debugf("hub.Hub.route transferred kind=%s task_id=%s from=%s to=%s", env.Kind, env.TaskID, from.Address, lookup)
		return
	}

	if env.Kind == protocol.KindReply {
		h.observer.Routed(env.Kind, OutcomeDropped)
		logging.Debugf("hub.Hub.route dropped reply task_id=%s to=%s: not connected", env.TaskID, lookup)
		return
	}

	if from.Address == h.self {
		h.onceConnected.add(lookup, func() { h.route(env) })
		h.observer.Routed(env.Kind, OutcomeDeferred)
		logging.Debugf("hub.Hub.route deferred task_id=%s to=%s", env.TaskID, lookup)
		return
	}

	if fromRec == nil {
		h.observer.Routed(env.Kind, OutcomeDropped)
		logging.Debugf("hub.Hub.route dropped task_id=%s: sender %s gone", env.TaskID, from.Address)
		return
	}
	h.notify(fromRec, session.CannotTransfer(lookup, env))
	h.scheduleRetry(fromRec, lookup)
	h.observer.Routed(env.Kind, OutcomeCannotTransfer)
	logging.Debugf("hub.Hub.route cannot_transfer task_id=%s from=%s to=%s", env.TaskID, from.Address, lookup)
}

// scheduleRetry arranges one retry notice to rec once dest connects. It is
// deduplicated per (session, destination) and dropped if rec's session ends.
func (h *Hub) scheduleRetry(rec *connRecord, dest protocol.Address) {
	key := retryKey{session: rec.session, dest: dest}
	if _, ok := h.retries[key]; ok {
		return
	}
	h.retries[key] = struct{}{}

	var cancelEnd func()
	cancelConnected := h.onceConnected.add(dest, func() {
		delete(h.retries, key)
		cancelEnd()
		cur, ok := h.conns[rec.addr]
		if !ok || cur.session != rec.session {
			return
		}
		h.notify(cur, session.Retry(dest))
	})
	cancelEnd = h.sessionEnded.add(rec.session, func() {
		delete(h.retries, key)
		cancelConnected()
	})
}

// localDelivery runs on whichever goroutine hands the hub runtime a local
// envelope.
func (h *Hub) localDelivery(env protocol.Envelope) {
	h.loop.post(func() {
		if env.Kind == protocol.KindReply {
			if h.ledger.Remove(env.TaskID) {
				h.observer.LedgerSize(h.ledger.Len())
			}
			return
		}
		from, rec := h.sender(env)
		if rec == nil {
			return
		}
		h.notify(rec, session.Transferring(ledger.Receipt{
			Envelope: env,
			From:     from,
			To:       ledger.Party{Address: h.self, Session: h.session},
		}))
	})
}

func (h *Hub) onSessionEnd(addr protocol.Address, sess string) {
	if rec, ok := h.conns[addr]; ok && rec.session == sess {
		delete(h.conns, addr)
		h.observer.ConnectionClosed(addr)
	}

	receipts := h.ledger.RemoveTo(sess)
	notified := make(map[string]struct{})
	for _, r := range receipts {
		if r.From.Address == h.self && r.From.Session == h.session {
			h.runtime.EndTask(r.TaskID(), protocol.ErrSessionTerminated)
			continue
		}
		if _, done := notified[r.From.Session]; done {
			continue
		}
		fromRec, ok := h.conns[r.From.Address]
		if !ok || fromRec.session != r.From.Session {
			continue
		}
		notified[r.From.Session] = struct{}{}
		h.notify(fromRec, session.Terminated(sess))
	}
	for _, fn := range h.sessionEnded.take(sess) {
		fn()
	}
	h.observer.SessionEnded(len(receipts))
	h.observer.LedgerSize(h.ledger.Len())
	logging.Debugf("hub.Hub.onSessionEnd addr=%s session=%s terminated=%d", addr, sess, len(receipts))
}

func (h *Hub) onResync(rec *connRecord, req session.ResyncRequest) {
	live := map[string]struct{}{h.session: {}}
	for _, c := range h.conns {
		live[c.session] = struct{}{}
	}

	ack := session.ResyncAck{Session: rec.session}
	terminated := make(map[string]struct{})
	merged := 0
	for _, r := range req.Ledger {
		to := r.To.Session
		if _, ok := live[to]; !ok {
			if _, seen := terminated[to]; !seen {
				terminated[to] = struct{}{}
				ack.Terminated = append(ack.Terminated, to)
			}
			continue
		}
		if to == h.session {
			continue
		}
		r.From = ledger.Party{Address: rec.addr, Session: rec.session}
		h.ledger.Add(r)
		merged++
	}
	h.observer.LedgerSize(h.ledger.Len())

	waiting := h.onceConnected.take(rec.addr)
	if len(waiting) > 0 {
		run := func() {
			for _, fn := range waiting {
				fn()
			}
		}
		if grace := h.cfg.Session.UIGrace(); rec.addr.Context.UI() && grace > 0 {
			h.after(grace, run)
		} else {
			run()
		}
	}

	for _, dest := range req.Backlog {
		if _, ok := h.conns[dest]; ok {
			ack.Retry = append(ack.Retry, dest)
			continue
		}
		h.scheduleRetry(rec, dest)
	}

	h.notify(rec, session.ResyncAcked(ack))
	logging.Debugf("hub.Hub.onResync addr=%s session=%s merged=%d terminated=%d retry=%d",
		rec.addr, rec.session, merged, len(ack.Terminated), len(ack.Retry))
}
