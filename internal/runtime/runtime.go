// Package runtime turns one-way envelope delivery into request/reply calls
// for a single context.
//
// A Runtime owns the handler registry and the pending-task table of its
// context. Envelopes addressed to it are delivered locally; everything else
// is handed to the Route function supplied by the owner.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
)

var ErrClosed = errors.New("runtime: closed")

// Message is what a handler sees of an incoming request.
type Message struct {
	Sender    protocol.Address
	ID        string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Decode unmarshals the request payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

// Handler answers one message id. The returned value is JSON-encoded into
// the reply.
type Handler func(ctx context.Context, msg Message) (any, error)

// RouteFunc carries an envelope that is not for this context.
type RouteFunc func(env protocol.Envelope)

type Options struct {
	Self  protocol.Address
	Route RouteFunc
	// ImplicitScope lets destinations of scoped contexts omit the scope.
	// Defaults to true for contexts that do not know their own scope.
	ImplicitScope *bool
	// OnHandlerError is called with every handler failure after the error
	// reply has been sent.
	OnHandlerError func(msg Message, err error)
	// OnLocalDelivery is called for every envelope delivered to this
	// context, before it is processed.
	OnLocalDelivery func(env protocol.Envelope)
}

type handlerEntry struct {
	token   uint64
	handler Handler
}

type Runtime struct {
	self            protocol.Address
	route           RouteFunc
	implicitScope   bool
	onHandlerError  func(Message, error)
	onLocalDelivery func(protocol.Envelope)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  map[string]handlerEntry
	pending   map[string]*Future
	nextToken uint64
	closed    bool
}

func New(opts Options) *Runtime {
	implicit := opts.Self.Context.ScopeUnaware()
	if opts.ImplicitScope != nil {
		implicit = *opts.ImplicitScope
	}
	route := opts.Route
	if route == nil {
		route = func(env protocol.Envelope) {
			logging.Warnf("runtime.Runtime.route dropped task_id=%s dest=%s: no route", env.TaskID, env.Destination)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		self:            opts.Self,
		route:           route,
		implicitScope:   implicit,
		onHandlerError:  opts.OnHandlerError,
		onLocalDelivery: opts.OnLocalDelivery,
		ctx:             ctx,
		cancel:          cancel,
		handlers:        make(map[string]handlerEntry),
		pending:         make(map[string]*Future),
	}
}

func (r *Runtime) Self() protocol.Address { return r.self }

// Send parses dest, registers a pending task and emits the request. A parse
// failure registers nothing.
func (r *Runtime) Send(messageID string, payload any, dest string) (*Future, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, fmt.Errorf("runtime: message id required")
	}
	destination, err := protocol.ParseDestination(dest, r.implicitScope)
	if err != nil {
		return nil, err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("runtime: encode payload for %q: %w", messageID, err)
	}

	env := protocol.NewRequest(r.self, destination, messageID, raw)
	f := newFuture(env.TaskID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.pending[env.TaskID] = f
	r.mu.Unlock()

	logging.Debugf("runtime.Runtime.Send self=%s task_id=%s message_id=%s dest=%s", r.self, env.TaskID, messageID, destination)
	r.HandleEnvelope(env)
	return f, nil
}

// Call sends and waits. Cancelling ctx ends the task.
func (r *Runtime) Call(ctx context.Context, messageID string, payload any, dest string) (json.RawMessage, error) {
	f, err := r.Send(messageID, payload, dest)
	if err != nil {
		return nil, err
	}
	out, err := f.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		r.EndTask(f.TaskID(), ctxErr)
		if settled, settledErr, ok := f.Result(); ok {
			return settled, settledErr
		}
		return nil, &protocol.TaskEndedError{TaskID: f.TaskID(), Cause: ctxErr}
	}
	return out, err
}

// OnMessage registers handler for messageID, replacing any previous one.
// The returned func removes it if it is still the registered handler.
func (r *Runtime) OnMessage(messageID string, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextToken++
	token := r.nextToken
	r.handlers[messageID] = handlerEntry{token: token, handler: handler}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.handlers[messageID]; ok && cur.token == token {
			delete(r.handlers, messageID)
		}
	}
}

// OnHandlerError replaces the hook called with every handler failure.
func (r *Runtime) OnHandlerError(fn func(msg Message, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHandlerError = fn
}

// HandleEnvelope delivers env locally if it is addressed to this context and
// routes it otherwise.
func (r *Runtime) HandleEnvelope(env protocol.Envelope) {
	if !env.Destination.Matches(r.self) {
		r.route(env)
		return
	}
	if r.onLocalDelivery != nil {
		r.onLocalDelivery(env)
	}
	switch env.Kind {
	case protocol.KindReply:
		r.settle(env)
	case protocol.KindRequest:
		go r.serve(env)
	default:
		logging.Warnf("runtime.Runtime.HandleEnvelope self=%s task_id=%s bad kind=%q", r.self, env.TaskID, env.Kind)
	}
}

// EndTask rejects the pending task with a *protocol.TaskEndedError wrapping
// cause. It reports whether a task was ended.
func (r *Runtime) EndTask(taskID string, cause error) bool {
	r.mu.Lock()
	f, ok := r.pending[taskID]
	delete(r.pending, taskID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	logging.Debugf("runtime.Runtime.EndTask self=%s task_id=%s cause=%v", r.self, taskID, cause)
	return f.settle(nil, &protocol.TaskEndedError{TaskID: taskID, Cause: cause})
}

// Pending returns the number of unsettled tasks.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close ends every pending task and stops accepting sends.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*Future)
	r.mu.Unlock()

	r.cancel()
	for taskID, f := range pending {
		f.settle(nil, &protocol.TaskEndedError{TaskID: taskID, Cause: ErrClosed})
	}
}

func (r *Runtime) settle(env protocol.Envelope) {
	r.mu.Lock()
	f, ok := r.pending[env.TaskID]
	delete(r.pending, env.TaskID)
	r.mu.Unlock()
	if !ok {
		logging.Debugf("runtime.Runtime.settle self=%s task_id=%s unknown reply", r.self, env.TaskID)
		return
	}
	if env.Error != nil {
		f.settle(nil, env.Error.Err())
		return
	}
	f.settle(env.Payload, nil)
}

func (r *Runtime) serve(req protocol.Envelope) {
	msg := Message{
		Sender:    req.Origin,
		ID:        req.MessageID,
		Payload:   req.Payload,
		Timestamp: time.UnixMilli(req.Timestamp),
	}

	r.mu.Lock()
	entry, ok := r.handlers[req.MessageID]
	r.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: message %q in %s", protocol.ErrNoHandler, req.MessageID, r.self.Context)
		r.HandleEnvelope(protocol.ReplyTo(req, r.self, nil, err))
		return
	}

	result, err := r.invoke(entry.handler, msg)
	var raw json.RawMessage
	if err == nil {
		raw, err = encodePayload(result)
	}
	if err != nil {
		r.HandleEnvelope(protocol.ReplyTo(req, r.self, nil, &protocol.HandlerError{Err: err}))
	} else {
		r.HandleEnvelope(protocol.ReplyTo(req, r.self, raw, nil))
	}
	if err != nil {
		logging.Warnf("runtime.Runtime.serve self=%s task_id=%s message_id=%s err=%v", r.self, req.TaskID, req.MessageID, err)
		r.mu.Lock()
		hook := r.onHandlerError
		r.mu.Unlock()
		if hook != nil {
			hook(msg, err)
		}
	}
}

func (r *Runtime) invoke(h Handler, msg Message) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in %q: %v", protocol.ErrHandlerFailed, msg.ID, rec)
		}
	}()
	return h(r.ctx, msg)
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw json")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(v)
	}
}
