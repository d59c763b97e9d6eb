// Package peer links the content-script and inject-script contexts of one
// host page over a private port negotiated on a shared Medium.
//
// Each side offers a port with an init signal and accepts the other side's
// init. The inject-script side delays its offer by one tick so an init that
// is already waiting is accepted first. If both offers are accepted the pair
// converges on the content-script's port.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/transport"
	"github.com/danmuck/ctxbus/internal/transport/memory"
)

var (
	ErrClosed      = errors.New("peer: closed")
	ErrUnsupported = errors.New("peer: context has no peer")
)

// Frame types carried on an established port.
const (
	FrameInited   = "inited"
	FrameEnvelope = "envelope"
	FrameError    = "error"
)

// offerDelay is the inject-script side's offer deferral.
const offerDelay = time.Millisecond

// Frame is one message on the peer port. An error frame tells the other side
// that the request named by TaskID will not get a reply.
type Frame struct {
	Type     string             `json:"type"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	TaskID   string             `json:"task_id,omitempty"`
}

// Companion returns the context on the other end of a peer channel.
func Companion(self protocol.Context) (protocol.Context, bool) {
	switch self {
	case protocol.ContextContentScript:
		return protocol.ContextInjectScript, true
	case protocol.ContextInjectScript:
		return protocol.ContextContentScript, true
	}
	return "", false
}

// Channel is one side of an established (or establishing) peer link. Frames
// sent before the handshake completes are queued.
type Channel struct {
	self   protocol.Context
	other  protocol.Context
	medium Medium

	// writeMu keeps queued frames ahead of frames sent after the switch.
	writeMu sync.Mutex

	mu          sync.Mutex
	port        transport.Conn
	ports       []transport.Conn
	queue       [][]byte
	ready       chan struct{}
	closed      bool
	unsubscribe func()
	handlers    Handlers
}

// Handlers receive frames from the peer. Any of them may be nil.
type Handlers struct {
	Envelope func(env protocol.Envelope)
	Error    func(taskID string)
	// Lost is called when the established port disconnects.
	Lost func(err error)
}

// Open starts the handshake for self on medium. Cancelling ctx before the
// handshake completes closes the channel.
func Open(ctx context.Context, medium Medium, self protocol.Context, h Handlers) (*Channel, error) {
	other, ok := Companion(self)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, self)
	}
	c := &Channel{
		self:     self,
		other:    other,
		medium:   medium,
		ready:    make(chan struct{}),
		handlers: h,
	}
	c.unsubscribe = medium.Subscribe(c.onSignal)

	if self == protocol.ContextInjectScript {
		time.AfterFunc(offerDelay, func() {
			if !c.isReady() {
				c.offer()
			}
		})
	} else {
		c.offer()
	}

	go func() {
		select {
		case <-c.ready:
		case <-ctx.Done():
			if !c.isReady() {
				logging.Debugf("peer.Channel.Open self=%s handshake cancelled: %v", self, ctx.Err())
				c.Close()
			}
		}
	}()
	return c, nil
}

func (c *Channel) Self() protocol.Context { return c.self }

// Ready is closed once a port is established.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// SendEnvelope queues env for the peer.
func (c *Channel) SendEnvelope(env protocol.Envelope) error {
	return c.send(Frame{Type: FrameEnvelope, Envelope: &env})
}

// SendError tells the peer its request taskID will not be answered.
func (c *Channel) SendError(taskID string) error {
	return c.send(Frame{Type: FrameError, TaskID: taskID})
}

// Close drops the medium subscription and every port.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ports := c.ports
	c.ports = nil
	c.port = nil
	c.queue = nil
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, p := range ports {
		_ = p.Close()
	}
}

func (c *Channel) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Channel) send(f Frame) error {
	raw, err := json.Marshal(f)
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
	port := c.port
	if port == nil {
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return port.Send(raw)
}

func (c *Channel) offer() {
	mine, theirs := memory.Pipe(string(c.self), transport.Meta{}, transport.Meta{})
	if !c.track(mine) {
		return
	}
	if err := mine.Start(c.handler(mine, true)); err != nil {
		logging.Warnf("peer.Channel.offer self=%s start err=%v", c.self, err)
		return
	}
	c.medium.Post(Signal{Signal: SignalInit, Context: c.self}, theirs)
	logging.Debugf("peer.Channel.offer self=%s", c.self)
}

func (c *Channel) onSignal(sig Signal, port transport.Conn) {
	if sig.Signal != SignalInit || sig.Context != c.other || port == nil {
		return
	}
	if !c.track(port) {
		return
	}
	if err := port.Start(c.handler(port, false)); err != nil {
		logging.Warnf("peer.Channel.onSignal self=%s start err=%v", c.self, err)
		return
	}
	raw, _ := json.Marshal(Frame{Type: FrameInited})
	if err := port.Send(raw); err != nil {
		logging.Warnf("peer.Channel.onSignal self=%s inited err=%v", c.self, err)
		return
	}
	c.complete(port, false)
}

func (c *Channel) track(p transport.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ports = append(c.ports, p)
	return true
}

// complete chooses p as the send port. offered reports whether p is the port
// this side offered. When both offers were accepted, both sides settle on
// the content-script's offer.
func (c *Channel) complete(p transport.Conn, offered bool) {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return
	}
	first := c.port == nil
	switch {
	case first:
		c.port = p
	case c.port == p:
	case c.self == protocol.ContextContentScript && offered:
		c.port = p
	case c.self == protocol.ContextInjectScript && !offered:
		c.port = p
	default:
		c.mu.Unlock()
		c.writeMu.Unlock()
		return
	}
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, raw := range queued {
		if err := p.Send(raw); err != nil {
			logging.Warnf("peer.Channel.complete self=%s flush err=%v", c.self, err)
		}
	}
	c.writeMu.Unlock()
	if first {
		close(c.ready)
		logging.Debugf("peer.Channel.complete self=%s offered=%v", c.self, offered)
	}
}

func (c *Channel) handler(p transport.Conn, offered bool) transport.Handler {
	return transport.Handler{
		Receive: func(payload []byte) {
			var f Frame
			if err := json.Unmarshal(payload, &f); err != nil {
				logging.Warnf("peer.Channel.receive self=%s decode err=%v", c.self, err)
				return
			}
			c.dispatch(p, offered, f)
		},
		Disconnect: func(err error) {
			c.mu.Lock()
			current := c.port == p
			c.mu.Unlock()
			if current && c.handlers.Lost != nil {
				c.handlers.Lost(err)
			}
		},
	}
}

func (c *Channel) dispatch(p transport.Conn, offered bool, f Frame) {
	switch f.Type {
	case FrameInited:
		if offered {
			c.complete(p, true)
		}
	case FrameEnvelope:
		if f.Envelope == nil {
			return
		}
		if c.handlers.Envelope != nil {
			c.handlers.Envelope(*f.Envelope)
		}
	case FrameError:
		if c.handlers.Error != nil {
			c.handlers.Error(f.TaskID)
		}
	default:
		logging.Debugf("peer.Channel.dispatch self=%s unknown frame type=%q", c.self, f.Type)
	}
}
