// Package endpoint assembles the per-context public API: a message runtime
// wired to the hub channel, the peer channel, or both.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/ctxbus/internal/channel"
	"github.com/danmuck/ctxbus/internal/hub"
	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/peer"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/session"
	"github.com/danmuck/ctxbus/internal/runtime"
	"github.com/danmuck/ctxbus/internal/transport"
)

var ErrContext = errors.New("endpoint: unsupported context")

// Config for endpoints that connect to the hub.
type Config struct {
	Context protocol.Context
	// Scope is required for scoped contexts that know their own scope.
	Scope   int
	Session session.Config
}

// Endpoint is the API one context uses to talk to the others.
type Endpoint struct {
	self    protocol.Address
	runtime *runtime.Runtime
	channel *channel.Channel

	mu    sync.Mutex
	peer  *peer.Channel
	owned bool
}

// NewBackground exposes the hub context's own runtime.
func NewBackground(h *hub.Hub) *Endpoint {
	rt := h.Runtime()
	return &Endpoint{self: rt.Self(), runtime: rt}
}

// New connects a UI or devtools context to the hub through dialer.
func New(ctx context.Context, cfg Config, dialer transport.Dialer) (*Endpoint, error) {
	switch cfg.Context {
	case protocol.ContextPopup, protocol.ContextOptions, protocol.ContextSidePanel:
		cfg.Scope = 0
	case protocol.ContextDevtools:
		if cfg.Scope <= 0 {
			return nil, fmt.Errorf("%w: devtools requires a scope", ErrContext)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrContext, cfg.Context)
	}

	e := &Endpoint{self: protocol.Address{Context: cfg.Context, Scope: cfg.Scope}, owned: true}
	e.channel = channel.New(channel.Config{Self: e.self, Session: cfg.Session}, dialer)
	e.runtime = runtime.New(runtime.Options{Self: e.self, Route: e.toHub})
	e.channel.OnMessage(e.runtime.HandleEnvelope)
	e.channel.OnFailure(func(env protocol.Envelope, err error) {
		e.runtime.EndTask(env.TaskID, err)
	})
	if err := e.channel.Start(ctx); err != nil {
		e.runtime.Close()
		return nil, err
	}
	logging.Infof("endpoint.New self=%s", e.self)
	return e, nil
}

// NewContentScript connects a content-script to the hub and relays for its
// inject-script over medium. Its scope comes from the transport.
func NewContentScript(ctx context.Context, cfg Config, dialer transport.Dialer, medium peer.Medium) (*Endpoint, error) {
	e := &Endpoint{self: protocol.Address{Context: protocol.ContextContentScript}, owned: true}
	e.channel = channel.New(channel.Config{Self: e.self, Session: cfg.Session}, dialer)
	e.runtime = runtime.New(runtime.Options{Self: e.self, Route: e.relay})
	e.channel.OnMessage(e.runtime.HandleEnvelope)
	e.channel.OnFailure(func(env protocol.Envelope, err error) {
		if env.Origin.Context == protocol.ContextInjectScript {
			if p := e.peerChannel(); p != nil {
				_ = p.SendError(env.TaskID)
			}
			return
		}
		e.runtime.EndTask(env.TaskID, err)
	})

	p, err := peer.Open(ctx, medium, protocol.ContextContentScript, peer.Handlers{
		Envelope: func(env protocol.Envelope) {
			env.Origin = protocol.Address{Context: protocol.ContextInjectScript}
			e.runtime.HandleEnvelope(env)
		},
		Error: func(taskID string) {
			e.runtime.EndTask(taskID, protocol.ErrSessionTerminated)
		},
	})
	if err != nil {
		e.runtime.Close()
		return nil, err
	}
	e.setPeer(p)

	if err := e.channel.Start(ctx); err != nil {
		p.Close()
		e.runtime.Close()
		return nil, err
	}
	logging.Infof("endpoint.NewContentScript started")
	return e, nil
}

// NewInjectScript reaches every other context through its content-script.
func NewInjectScript(ctx context.Context, medium peer.Medium) (*Endpoint, error) {
	e := &Endpoint{self: protocol.Address{Context: protocol.ContextInjectScript}, owned: true}
	e.runtime = runtime.New(runtime.Options{Self: e.self, Route: e.toPeer})
	p, err := peer.Open(ctx, medium, protocol.ContextInjectScript, peer.Handlers{
		Envelope: e.runtime.HandleEnvelope,
		Error: func(taskID string) {
			e.runtime.EndTask(taskID, protocol.ErrSessionTerminated)
		},
	})
	if err != nil {
		e.runtime.Close()
		return nil, err
	}
	e.setPeer(p)
	logging.Infof("endpoint.NewInjectScript started")
	return e, nil
}

func (e *Endpoint) Self() protocol.Address { return e.self }

func (e *Endpoint) Runtime() *runtime.Runtime { return e.runtime }

// Channel returns the hub channel, or nil for contexts without one.
func (e *Endpoint) Channel() *channel.Channel { return e.channel }

// SendMessage sends a request and waits for its reply.
func (e *Endpoint) SendMessage(ctx context.Context, messageID string, payload any, dest string) (json.RawMessage, error) {
	return e.runtime.Call(ctx, messageID, payload, dest)
}

// Send sends a request without waiting.
func (e *Endpoint) Send(messageID string, payload any, dest string) (*runtime.Future, error) {
	return e.runtime.Send(messageID, payload, dest)
}

func (e *Endpoint) OnMessage(messageID string, h runtime.Handler) (unsubscribe func()) {
	return e.runtime.OnMessage(messageID, h)
}

// OnHandlerError sets the hook called in this context whenever one of its
// handlers fails or panics. The caller still gets the error reply.
func (e *Endpoint) OnHandlerError(fn func(msg runtime.Message, err error)) {
	e.runtime.OnHandlerError(fn)
}

// Close shuts the endpoint down. The background endpoint is owned by its hub
// and is left running.
func (e *Endpoint) Close() {
	if !e.owned {
		return
	}
	if e.channel != nil {
		_ = e.channel.Close()
	}
	if p := e.peerChannel(); p != nil {
		p.Close()
	}
	e.runtime.Close()
}

func (e *Endpoint) setPeer(p *peer.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peer = p
}

func (e *Endpoint) peerChannel() *peer.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

func (e *Endpoint) toHub(env protocol.Envelope) {
	if err := e.channel.Send(env); err != nil {
		e.undeliverable(env, err)
	}
}

func (e *Endpoint) toPeer(env protocol.Envelope) {
	p := e.peerChannel()
	if p == nil {
		e.undeliverable(env, peer.ErrClosed)
		return
	}
	if err := p.SendEnvelope(env); err != nil {
		e.undeliverable(env, err)
	}
}

// relay sends inject-script traffic to the peer and the rest to the hub.
func (e *Endpoint) relay(env protocol.Envelope) {
	if env.Destination.Context == protocol.ContextInjectScript {
		e.toPeer(env)
		return
	}
	e.toHub(env)
}

func (e *Endpoint) undeliverable(env protocol.Envelope, err error) {
	logging.Debugf("endpoint.Endpoint.undeliverable self=%s task_id=%s err=%v", e.self, env.TaskID, err)
	if env.Kind != protocol.KindRequest {
		return
	}
	if env.Origin.Matches(e.self) {
		e.runtime.EndTask(env.TaskID, err)
		return
	}
	if env.Origin.Context == protocol.ContextInjectScript {
		if p := e.peerChannel(); p != nil {
			_ = p.SendError(env.TaskID)
		}
	}
}
