// Package memory is an in-process transport. Conns come in linked pairs and
// deliver copies of every payload on a per-end goroutine.
package memory

import (
	"context"
	"sync"

	"github.com/danmuck/ctxbus/internal/transport"
)

type event struct {
	payload    []byte
	disconnect bool
}

type link struct {
	mu     sync.Mutex
	closed bool
}

// Conn is one end of an in-process pair.
type Conn struct {
	name string
	meta transport.Meta
	link *link
	peer *Conn

	mu      sync.Mutex
	queue   []event
	started bool
	stopped bool
	handler transport.Handler
	signal  chan struct{}
	done    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(name string, meta transport.Meta, l *link) *Conn {
	return &Conn{
		name:   name,
		meta:   meta,
		link:   l,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Pipe returns two linked ends. a carries metaA, b carries metaB.
func Pipe(name string, metaA, metaB transport.Meta) (*Conn, *Conn) {
	l := &link{}
	a := newConn(name, metaA, l)
	b := newConn(name, metaB, l)
	a.peer = b
	b.peer = a
	return a, b
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) Meta() transport.Meta { return c.meta }

func (c *Conn) Start(h transport.Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return transport.ErrStarted
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()
	go c.deliverLoop()
	return nil
}

func (c *Conn) Send(payload []byte) error {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	if c.link.closed {
		return transport.ErrClosed
	}
	c.peer.push(event{payload: append([]byte(nil), payload...)})
	return nil
}

func (c *Conn) Close() error {
	c.link.mu.Lock()
	if c.link.closed {
		c.link.mu.Unlock()
		return nil
	}
	c.link.closed = true
	c.peer.push(event{disconnect: true})
	c.link.mu.Unlock()
	c.stop()
	return nil
}

// Closed reports whether either end has closed the pair.
func (c *Conn) Closed() bool {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.closed
}

func (c *Conn) push(ev event) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Conn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.queue = nil
	close(c.done)
}

func (c *Conn) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			c.mu.Lock()
			if c.stopped || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			h := c.handler
			c.mu.Unlock()

			if ev.disconnect {
				c.stop()
				if h.Disconnect != nil {
					h.Disconnect(transport.ErrClosed)
				}
				return
			}
			if h.Receive != nil {
				h.Receive(ev.payload)
			}
		}
	}
}

// Network connects dialers to one listening hub in-process.
type Network struct {
	mu     sync.Mutex
	accept transport.AcceptFunc
	epoch  uint64
}

func NewNetwork() *Network {
	return &Network{}
}

// Listen installs accept as the hub side. The returned stop func removes it
// if it is still the active listener.
func (n *Network) Listen(accept transport.AcceptFunc) (stop func()) {
	n.mu.Lock()
	n.epoch++
	epoch := n.epoch
	n.accept = accept
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.epoch == epoch {
			n.accept = nil
		}
	}
}

// Dialer returns a dialer whose hub-side conns carry meta.
func (n *Network) Dialer(meta transport.Meta) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, name string) (transport.Conn, error) {
		return n.dial(ctx, name, meta)
	})
}

func (n *Network) Dial(ctx context.Context, name string) (transport.Conn, error) {
	return n.dial(ctx, name, transport.Meta{})
}

func (n *Network) dial(ctx context.Context, name string, meta transport.Meta) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	accept := n.accept
	n.mu.Unlock()
	if accept == nil {
		return nil, transport.ErrNoListener
	}
	client, server := Pipe(name, transport.Meta{}, meta)
	accept(server)
	return client, nil
}
