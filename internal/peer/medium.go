package peer

import (
	"sync"

	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/transport"
)

// Handshake signals.
const (
	SignalInit   = "init"
	SignalInited = "inited"
)

// Signal is broadcast on a Medium during the handshake.
type Signal struct {
	Signal  string           `json:"signal"`
	Context protocol.Context `json:"context"`
}

// Medium is the shared broadcast surface both peers can post to, such as a
// host page's message event. A posted port transfers to the receiver.
type Medium interface {
	Post(sig Signal, port transport.Conn)
	Subscribe(fn func(sig Signal, port transport.Conn)) (unsubscribe func())
}

// Broadcast is an in-process Medium. Every post reaches every subscriber,
// including the poster, in post order.
type Broadcast struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]func(Signal, transport.Conn)
	order  []uint64
	queue  []posted
	active bool
}

type posted struct {
	sig  Signal
	port transport.Conn
}

var _ Medium = (*Broadcast)(nil)

func NewBroadcast() *Broadcast {
	return &Broadcast{subs: make(map[uint64]func(Signal, transport.Conn))}
}

func (b *Broadcast) Subscribe(fn func(Signal, transport.Conn)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = fn
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Post delivers asynchronously. Subscribers present at delivery time see it.
func (b *Broadcast) Post(sig Signal, port transport.Conn) {
	b.mu.Lock()
	b.queue = append(b.queue, posted{sig: sig, port: port})
	if b.active {
		b.mu.Unlock()
		return
	}
	b.active = true
	b.mu.Unlock()
	go b.drain()
}

func (b *Broadcast) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.active = false
			b.mu.Unlock()
			return
		}
		p := b.queue[0]
		b.queue = b.queue[1:]
		var fns []func(Signal, transport.Conn)
		for _, id := range b.order {
			if fn, ok := b.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
		b.mu.Unlock()
		for _, fn := range fns {
			fn(p.sig, p.port)
		}
	}
}
