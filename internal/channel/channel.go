// Package channel keeps one endpoint's logical connection to the hub alive
// across physical reconnects.
//
// Every physical connection gets a fresh session id. Right after connecting,
// the channel replays its waiting-reply ledger and backlog destinations so
// the hub can recover or terminate in-flight requests.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
	"github.com/danmuck/ctxbus/internal/protocol/session"
	"github.com/danmuck/ctxbus/internal/transport"
)

var (
	ErrClosed        = errors.New("channel: closed")
	ErrGaveUp        = errors.New("channel: connect attempts exhausted")
	ErrAlreadyActive = errors.New("channel: already started")
)

// Config for one reconnecting channel.
type Config struct {
	Self    protocol.Address
	Session session.Config
}

// Channel is the endpoint side of the hub connection.
type Channel struct {
	cfg     Config
	dialer  transport.Dialer
	ledger  *ledger.Ledger
	backlog *session.Backlog

	// writeMu orders the resync frame and the queued flush ahead of new sends.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      transport.Conn
	session   string
	queue     []protocol.Envelope
	onMessage func(protocol.Envelope)
	onFailure func(protocol.Envelope, error)
	onConnect func(session string)
	started   bool
	closed    bool
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// Channel constructor. Nothing is dialed until Start.
func New(cfg Config, dialer transport.Dialer) *Channel {
	cfg.Session = cfg.Session.WithDefaults()
	return &Channel{
		cfg:     cfg,
		dialer:  dialer,
		ledger:  ledger.New(),
		backlog: session.NewBacklog(),
		stopped: make(chan struct{}),
	}
}

// OnMessage sets the receiver for envelopes delivered by the hub.
func (c *Channel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnFailure sets the receiver for requests the hub reports as undeliverable
// because their destination session ended.
func (c *Channel) OnFailure(fn func(env protocol.Envelope, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// OnConnect is called with the new session id after every connect.
func (c *Channel) OnConnect(fn func(session string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Start dials in the background and keeps reconnecting until ctx ends or
// Close is called.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Send forwards env to the hub, or queues it until the next connect.
func (c *Channel) Send(env protocol.Envelope) error {
	raw, err := session.EncodeForward(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, env.Clone())
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := conn.Send(raw); err != nil {
		logging.Debugf("channel.Channel.Send queue task_id=%s err=%v", env.TaskID, err)
		c.mu.Lock()
		c.queue = append(c.queue, env.Clone())
		c.mu.Unlock()
	}
	return nil
}

// Session returns the current session id, or "" while disconnected.
func (c *Channel) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.session
}

// Connected reports whether a physical connection is up.
func (c *Channel) Connected() bool {
	return c.Session() != ""
}

func (c *Channel) Ledger() []ledger.Receipt { return c.ledger.Entries() }

func (c *Channel) Backlog() []session.PendingTransfer { return c.backlog.List() }

// Close stops reconnecting and closes the current connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-c.stopped
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.stopped)
	backoff := session.NewBackoff(c.cfg.Session.Backoff)
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		sess := protocol.NewSessionID()
		name, err := protocol.EncodeConnectName(protocol.ConnectName{Address: c.cfg.Self.String(), Session: sess})
		if err != nil {
			logging.Errf("channel.Channel.run encode name self=%s err=%v", c.cfg.Self, err)
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
		conn, err := c.dialer.Dial(dialCtx, name)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if limit := c.cfg.Session.MaxConnectAttempts; limit > 0 && failures >= limit {
				logging.Errf("channel.Channel.run self=%s giving up after %d attempts err=%v", c.cfg.Self, failures, err)
				c.giveUp()
				return
			}
			logging.Debugf("channel.Channel.run dial self=%s attempt=%d err=%v", c.cfg.Self, failures, err)
			if err := backoff.Sleep(ctx); err != nil {
				return
			}
			continue
		}
		failures = 0
		backoff.Reset()

		lost := make(chan struct{})
		if !c.attach(conn, sess, lost) {
			_ = conn.Close()
			return
		}
		select {
		case <-lost:
			logging.Infof("channel.Channel.run self=%s session=%s lost, reconnecting", c.cfg.Self, sess)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) attach(conn transport.Conn, sess string, lost chan struct{}) bool {
	var once sync.Once
	err := conn.Start(transport.Handler{
		Receive: func(payload []byte) { c.onNotification(sess, payload) },
		Disconnect: func(err error) {
			c.detach(conn, err)
			once.Do(func() { close(lost) })
		},
	})
	if err != nil {
		logging.Warnf("channel.Channel.attach start self=%s err=%v", c.cfg.Self, err)
		return false
	}

	resync, err := session.EncodeResync(session.ResyncRequest{
		Ledger:  c.ledger.Entries(),
		Backlog: c.backlog.Destinations(),
	})
	if err != nil {
		logging.Errf("channel.Channel.attach encode resync err=%v", err)
		return false
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return false
	}
	c.conn = conn
	c.session = sess
	queued := c.queue
	c.queue = nil
	onConnect := c.onConnect
	c.mu.Unlock()

	if err := conn.Send(resync); err != nil {
		logging.Warnf("channel.Channel.attach resync self=%s err=%v", c.cfg.Self, err)
	}
	for i, env := range queued {
		raw, err := session.EncodeForward(env)
		if err != nil {
			continue
		}
		if err := conn.Send(raw); err != nil {
			c.mu.Lock()
			c.queue = append(append([]protocol.Envelope(nil), queued[i:]...), c.queue...)
			c.mu.Unlock()
			break
		}
	}
	c.writeMu.Unlock()

	logging.Infof("channel.Channel.attach self=%s session=%s ledger=%d queued=%d", c.cfg.Self, sess, c.ledger.Len(), len(queued))
	if onConnect != nil {
		onConnect(sess)
	}
	return true
}

func (c *Channel) detach(conn transport.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	logging.Debugf("channel.Channel.detach self=%s err=%v", c.cfg.Self, err)
}

func (c *Channel) onNotification(sess string, raw []byte) {
	n, err := session.DecodeNotification(raw)
	if err != nil {
		logging.Warnf("channel.Channel.onNotification self=%s err=%v", c.cfg.Self, err)
		return
	}
	switch n.Status {
	case session.StatusTransferring:
		if n.Receipt.Envelope.Kind == protocol.KindRequest {
			c.ledger.Add(*n.Receipt)
		}
	case session.StatusReplied:
		env := *n.Envelope
		if env.Kind == protocol.KindReply {
			c.ledger.Remove(env.TaskID)
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	case session.StatusCannotTransfer:
		now := time.Now()
		c.backlog.Add(session.PendingTransfer{
			Destination: *n.Destination,
			Envelope:    *n.Envelope,
			QueuedAt:    now,
		})
	case session.StatusRetry:
		c.retry(*n.Destination)
	case session.StatusTerminated:
		c.terminate(n.Session)
	case session.StatusResyncAck:
		if n.Ack.Session != "" && n.Ack.Session != sess {
			logging.Debugf("channel.Channel.onNotification stale ack session=%s current=%s", n.Ack.Session, sess)
		}
		for _, s := range n.Ack.Terminated {
			c.terminate(s)
		}
		for _, dest := range n.Ack.Retry {
			c.retry(dest)
		}
	}
}

func (c *Channel) retry(dest protocol.Address) {
	for _, item := range c.backlog.TakeFor(dest, time.Now()) {
		logging.Debugf("channel.Channel.retry task_id=%s dest=%s attempts=%d", item.TaskID(), dest, item.Attempts)
		if err := c.Send(item.Envelope); err != nil {
			c.fail(item.Envelope, err)
		}
	}
}

func (c *Channel) terminate(sess string) {
	for _, r := range c.ledger.RemoveTo(sess) {
		c.fail(r.Envelope, protocol.ErrSessionTerminated)
	}
}

func (c *Channel) fail(env protocol.Envelope, err error) {
	c.mu.Lock()
	fn := c.onFailure
	c.mu.Unlock()
	if fn != nil {
		fn(env, err)
	}
}

// giveUp fails everything still waiting once reconnecting stops.
func (c *Channel) giveUp() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, env := range queued {
		if env.Kind == protocol.KindRequest {
			c.fail(env, ErrGaveUp)
		}
	}
	for _, r := range c.ledger.RemoveWhere(func(ledger.Receipt) bool { return true }) {
		c.fail(r.Envelope, ErrGaveUp)
	}
	for _, item := range c.backlog.List() {
		c.backlog.Remove(item.TaskID())
		c.fail(item.Envelope, ErrGaveUp)
	}
}
