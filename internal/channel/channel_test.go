package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
	"github.com/danmuck/ctxbus/internal/protocol/session"
	"github.com/danmuck/ctxbus/internal/testutil/testlog"
	"github.com/danmuck/ctxbus/internal/transport"
	"github.com/danmuck/ctxbus/internal/transport/memory"
)

var (
	popup   = protocol.Address{Context: protocol.ContextPopup}
	options = protocol.Address{Context: protocol.ContextOptions}
)

// fakeHub accepts connections on a memory network and records frames.
type fakeHub struct {
	t        *testing.T
	accepted chan *hubSide
}

type hubSide struct {
	t       *testing.T
	conn    transport.Conn
	session string
	frames  chan session.HubFrame
}

func newFakeHub(t *testing.T) (*fakeHub, *memory.Network) {
	t.Helper()
	n := memory.NewNetwork()
	h := &fakeHub{t: t, accepted: make(chan *hubSide, 8)}
	stop := n.Listen(func(conn transport.Conn) {
		_, sess, err := protocol.DecodeConnectName(conn.Name())
		if err != nil {
			t.Errorf("decode name: %v", err)
			return
		}
		side := &hubSide{t: t, conn: conn, session: sess, frames: make(chan session.HubFrame, 16)}
		_ = conn.Start(transport.Handler{Receive: func(raw []byte) {
			f, err := session.DecodeHubFrame(raw)
			if err != nil {
				t.Errorf("decode frame: %v", err)
				return
			}
			side.frames <- f
		}})
		h.accepted <- side
	})
	t.Cleanup(stop)
	return h, n
}

func (h *fakeHub) next() *hubSide {
	h.t.Helper()
	select {
	case s := <-h.accepted:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no connection accepted")
	}
	return nil
}

func (s *hubSide) frame(typ string) session.HubFrame {
	s.t.Helper()
	select {
	case f := <-s.frames:
		if f.Type != typ {
			s.t.Fatalf("expected %s frame, got %+v", typ, f)
		}
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatalf("timed out waiting for %s frame", typ)
	}
	return session.HubFrame{}
}

func (s *hubSide) notify(n session.Notification) {
	s.t.Helper()
	raw, err := session.EncodeNotification(n)
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	if err := s.conn.Send(raw); err != nil {
		s.t.Fatalf("send: %v", err)
	}
}

func fastConfig() session.Config {
	return session.Config{
		UIGracePeriod: -1,
		Backoff:       session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}
}

func startChannel(t *testing.T, n *memory.Network) *Channel {
	t.Helper()
	c := New(Config{Self: popup, Session: fastConfig()}, n)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResyncSentFirstThenQueuedFlushed(t *testing.T) {
	testlog.Start(t)
	fh, n := newFakeHub(t)
	c := New(Config{Self: popup, Session: fastConfig()}, n)
	t.Cleanup(func() { _ = c.Close() })

	queued := protocol.NewRequest(popup, options, "early", nil)
	if err := c.Send(queued); err != nil {
		t.Fatalf("queue send: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	side := fh.next()
	resync := side.frame(session.FrameResync)
	if len(resync.Resync.Ledger) != 0 || len(resync.Resync.Backlog) != 0 {
		t.Fatalf("unexpected first resync %+v", resync.Resync)
	}
	if f := side.frame(session.FrameForward); f.Envelope.TaskID != queued.TaskID {
		t.Fatalf("queued envelope not flushed: %+v", f.Envelope)
	}
	eventually(t, "session", func() bool { return c.Session() == side.session })
}

func TestNotificationsDriveLedgerAndBacklog(t *testing.T) {
	testlog.Start(t)
	fh, n := newFakeHub(t)
	c := startChannel(t, n)
	delivered := make(chan protocol.Envelope, 4)
	failed := make(chan string, 4)
	c.OnMessage(func(env protocol.Envelope) { delivered <- env })
	c.OnFailure(func(env protocol.Envelope, err error) {
		if !errors.Is(err, protocol.ErrSessionTerminated) {
			t.Errorf("unexpected failure cause %v", err)
		}
		failed <- env.TaskID
	})

	side := fh.next()
	side.frame(session.FrameResync)

	req := protocol.NewRequest(popup, options, "ping", json.RawMessage(`1`))
	receipt := ledger.Receipt{
		Envelope: req,
		From:     ledger.Party{Address: popup, Session: side.session},
		To:       ledger.Party{Address: options, Session: "uid::options"},
	}
	side.notify(session.Transferring(receipt))
	reply := protocol.ReplyTo(req, options, json.RawMessage(`2`), nil)
	side.notify(session.Transferring(ledger.Receipt{Envelope: reply}))
	eventually(t, "ledger entry", func() bool { return len(c.Ledger()) == 1 })

	side.notify(session.Replied(reply))
	select {
	case env := <-delivered:
		if env.TaskID != req.TaskID || env.Kind != protocol.KindReply {
			t.Fatalf("unexpected delivered %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply not delivered")
	}
	if len(c.Ledger()) != 0 {
		t.Fatalf("reply should clear the ledger entry: %+v", c.Ledger())
	}

	stuck := protocol.NewRequest(popup, options, "ping", nil)
	side.notify(session.CannotTransfer(options, stuck))
	side.notify(session.CannotTransfer(options, stuck))
	eventually(t, "backlog entry", func() bool { return len(c.Backlog()) == 1 })

	side.notify(session.Retry(options))
	if f := side.frame(session.FrameForward); f.Envelope.TaskID != stuck.TaskID {
		t.Fatalf("unexpected re-sent envelope %+v", f.Envelope)
	}
	if len(c.Backlog()) != 0 {
		t.Fatalf("retry should drain backlog: %+v", c.Backlog())
	}

	side.notify(session.Transferring(receipt))
	eventually(t, "ledger entry", func() bool { return len(c.Ledger()) == 1 })
	side.notify(session.Terminated("uid::options"))
	select {
	case taskID := <-failed:
		if taskID != req.TaskID {
			t.Fatalf("unexpected failed task %q", taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminated did not fail the request")
	}
}

func TestReconnectReplaysStateWithFreshSession(t *testing.T) {
	testlog.Start(t)
	fh, n := newFakeHub(t)
	c := startChannel(t, n)
	failed := make(chan string, 2)
	c.OnFailure(func(env protocol.Envelope, _ error) { failed <- env.TaskID })

	first := fh.next()
	first.frame(session.FrameResync)

	kept := protocol.NewRequest(popup, options, "ping", nil)
	first.notify(session.Transferring(ledger.Receipt{
		Envelope: kept,
		From:     ledger.Party{Address: popup, Session: first.session},
		To:       ledger.Party{Address: options, Session: "uid::options"},
	}))
	sidepanel := protocol.Address{Context: protocol.ContextSidePanel}
	first.notify(session.CannotTransfer(sidepanel, protocol.NewRequest(popup, sidepanel, "ping", nil)))
	eventually(t, "state", func() bool { return len(c.Ledger()) == 1 && len(c.Backlog()) == 1 })

	_ = first.conn.Close()
	second := fh.next()
	if second.session == first.session {
		t.Fatalf("reconnect reused session %q", second.session)
	}
	resync := second.frame(session.FrameResync).Resync
	if len(resync.Ledger) != 1 || resync.Ledger[0].TaskID() != kept.TaskID {
		t.Fatalf("ledger not replayed: %+v", resync.Ledger)
	}
	if len(resync.Backlog) != 1 || resync.Backlog[0] != sidepanel {
		t.Fatalf("backlog destinations not replayed: %+v", resync.Backlog)
	}

	second.notify(session.ResyncAcked(session.ResyncAck{
		Session:    second.session,
		Terminated: []string{"uid::options"},
		Retry:      []protocol.Address{sidepanel},
	}))
	select {
	case taskID := <-failed:
		if taskID != kept.TaskID {
			t.Fatalf("unexpected failed task %q", taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ack terminated did not fail the request")
	}
	if f := second.frame(session.FrameForward); f.Envelope.Destination != sidepanel {
		t.Fatalf("ack retry did not re-send: %+v", f.Envelope)
	}
}

func TestGiveUpFailsQueued(t *testing.T) {
	testlog.Start(t)
	n := memory.NewNetwork()
	cfg := fastConfig()
	cfg.MaxConnectAttempts = 2
	c := New(Config{Self: popup, Session: cfg}, n)
	defer c.Close()
	failed := make(chan error, 1)
	c.OnFailure(func(_ protocol.Envelope, err error) { failed <- err })

	_ = c.Send(protocol.NewRequest(popup, options, "ping", nil))
	_ = c.Start(context.Background())
	select {
	case err := <-failed:
		if !errors.Is(err, ErrGaveUp) {
			t.Fatalf("unexpected cause %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued request not failed")
	}
}

func TestSendAfterClose(t *testing.T) {
	testlog.Start(t)
	_, n := newFakeHub(t)
	c := New(Config{Self: popup, Session: fastConfig()}, n)
	_ = c.Close()
	if err := c.Send(protocol.NewRequest(popup, options, "ping", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on start, got %v", err)
	}
}
