package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/testutil/testlog"
)

var (
	popupAddr = protocol.Address{Context: protocol.ContextPopup}
	bgAddr    = protocol.Address{Context: protocol.ContextBackground}
)

// linked returns two runtimes that route straight into each other.
func linked(t *testing.T) (*Runtime, *Runtime) {
	t.Helper()
	var a, b *Runtime
	a = New(Options{Self: popupAddr, Route: func(env protocol.Envelope) { b.HandleEnvelope(env) }})
	b = New(Options{Self: bgAddr, Route: func(env protocol.Envelope) { a.HandleEnvelope(env) }})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	popup, bg := linked(t)

	bg.OnMessage("ping", func(ctx context.Context, msg Message) (any, error) {
		if msg.Sender != popupAddr {
			t.Errorf("unexpected sender %s", msg.Sender)
		}
		var in struct{ N int }
		if err := msg.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]any{"pong": in.N + 1}, nil
	})

	f, err := popup.Send("ping", map[string]int{"n": 1}, "background")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var out struct{ Pong int }
	if err := f.Decode(waitCtx(t), &out); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Pong != 2 {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if popup.Pending() != 0 {
		t.Fatalf("expected no pending tasks, got %d", popup.Pending())
	}
}

func TestSendParseErrorRegistersNothing(t *testing.T) {
	testlog.Start(t)
	var routed atomic.Int32
	r := New(Options{Self: popupAddr, Route: func(protocol.Envelope) { routed.Add(1) }})
	defer r.Close()

	for _, dest := range []string{"nowhere", "devtools", "popup@3", "content-script@x"} {
		if _, err := r.Send("ping", nil, dest); !errors.Is(err, protocol.ErrAddressParse) {
			t.Fatalf("dest %q: expected ErrAddressParse, got %v", dest, err)
		}
	}
	if r.Pending() != 0 || routed.Load() != 0 {
		t.Fatalf("parse failure leaked state: pending=%d routed=%d", r.Pending(), routed.Load())
	}
}

func TestImplicitScopeForScopeUnawareContexts(t *testing.T) {
	testlog.Start(t)
	routed := make(chan protocol.Envelope, 1)
	r := New(Options{
		Self:  protocol.Address{Context: protocol.ContextContentScript},
		Route: func(env protocol.Envelope) { routed <- env },
	})
	defer r.Close()

	if _, err := r.Send("ping", nil, "devtools"); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := <-routed
	if env.Destination != (protocol.Address{Context: protocol.ContextDevtools}) {
		t.Fatalf("unexpected destination %+v", env.Destination)
	}
}

func TestNoHandlerReply(t *testing.T) {
	testlog.Start(t)
	popup, _ := linked(t)

	_, err := popup.Call(waitCtx(t), "missing", nil, "background")
	if !errors.Is(err, protocol.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing") || !strings.Contains(err.Error(), "background") {
		t.Fatalf("error should name message and context: %v", err)
	}
}

func TestHandlerErrorAndPanic(t *testing.T) {
	testlog.Start(t)
	failures := make(chan error, 2)
	var popup, bg *Runtime
	popup = New(Options{Self: popupAddr, Route: func(env protocol.Envelope) { bg.HandleEnvelope(env) }})
	bg = New(Options{
		Self:           bgAddr,
		Route:          func(env protocol.Envelope) { popup.HandleEnvelope(env) },
		OnHandlerError: func(_ Message, err error) { failures <- err },
	})
	defer popup.Close()
	defer bg.Close()

	bg.OnMessage("fail", func(context.Context, Message) (any, error) {
		return nil, errors.New("disk on fire")
	})
	bg.OnMessage("boom", func(context.Context, Message) (any, error) {
		panic("kaboom")
	})

	_, err := popup.Call(waitCtx(t), "fail", nil, "background")
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || remote.Message != "disk on fire" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, protocol.ErrHandlerFailed) {
		t.Fatalf("expected handler kind: %+v", remote.SerializedError)
	}

	_, err = popup.Call(waitCtx(t), "boom", nil, "background")
	if !errors.Is(err, protocol.ErrHandlerFailed) || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("unexpected panic error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-failures:
		case <-time.After(time.Second):
			t.Fatalf("handler error hook not called")
		}
	}
}

func TestNestedCallFailureIsHandlerError(t *testing.T) {
	testlog.Start(t)
	popup, bg := linked(t)
	bg.OnMessage("outer", func(ctx context.Context, _ Message) (any, error) {
		return bg.Call(ctx, "missing", nil, "popup")
	})

	_, err := popup.Call(waitCtx(t), "outer", nil, "background")
	if !errors.Is(err, protocol.ErrHandlerFailed) {
		t.Fatalf("expected handler kind, got %v", err)
	}
	if errors.Is(err, protocol.ErrNoHandler) {
		t.Fatalf("nested failure leaked its own kind: %v", err)
	}
	if !strings.Contains(err.Error(), `"missing"`) {
		t.Fatalf("inner message lost: %v", err)
	}
}

func TestEndTaskIdempotentAndLateReplyIgnored(t *testing.T) {
	testlog.Start(t)
	routed := make(chan protocol.Envelope, 1)
	r := New(Options{Self: popupAddr, Route: func(env protocol.Envelope) { routed <- env }})
	defer r.Close()

	f, err := r.Send("slow", nil, "background")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req := <-routed

	if !r.EndTask(f.TaskID(), protocol.ErrSessionTerminated) {
		t.Fatalf("expected first EndTask to end the task")
	}
	if r.EndTask(f.TaskID(), protocol.ErrSessionTerminated) {
		t.Fatalf("expected second EndTask to be a no-op")
	}

	_, err = f.Wait(waitCtx(t))
	var ended *protocol.TaskEndedError
	if !errors.As(err, &ended) || ended.TaskID != f.TaskID() {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if !errors.Is(err, protocol.ErrTaskEnded) || !errors.Is(err, protocol.ErrSessionTerminated) {
		t.Fatalf("rejection should match both sentinels: %v", err)
	}

	r.HandleEnvelope(protocol.ReplyTo(req, bgAddr, json.RawMessage(`"late"`), nil))
	if _, err, _ := f.Result(); !errors.Is(err, protocol.ErrTaskEnded) {
		t.Fatalf("late reply changed the result: %v", err)
	}
}

func TestDuplicateReplySettlesOnce(t *testing.T) {
	testlog.Start(t)
	routed := make(chan protocol.Envelope, 1)
	r := New(Options{Self: popupAddr, Route: func(env protocol.Envelope) { routed <- env }})
	defer r.Close()

	f, _ := r.Send("ping", nil, "background")
	req := <-routed
	r.HandleEnvelope(protocol.ReplyTo(req, bgAddr, json.RawMessage(`1`), nil))
	r.HandleEnvelope(protocol.ReplyTo(req, bgAddr, json.RawMessage(`2`), nil))

	out, err := f.Wait(waitCtx(t))
	if err != nil || string(out) != "1" {
		t.Fatalf("unexpected result out=%s err=%v", out, err)
	}
}

func TestCallCancelEndsTask(t *testing.T) {
	testlog.Start(t)
	r := New(Options{Self: popupAddr, Route: func(protocol.Envelope) {}})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := r.Call(ctx, "never", nil, "background")
	if !errors.Is(err, protocol.ErrTaskEnded) || !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("cancelled call left a pending task")
	}
}

func TestOnMessageLastWriteWinsAndUnsubscribe(t *testing.T) {
	testlog.Start(t)
	popup, bg := linked(t)

	unsubFirst := bg.OnMessage("who", func(context.Context, Message) (any, error) { return "first", nil })
	bg.OnMessage("who", func(context.Context, Message) (any, error) { return "second", nil })
	unsubFirst()

	out, err := popup.Call(waitCtx(t), "who", nil, "background")
	if err != nil || string(out) != `"second"` {
		t.Fatalf("unexpected reply out=%s err=%v", out, err)
	}
}

func TestSelfDeliveryAndLocalHook(t *testing.T) {
	testlog.Start(t)
	var local atomic.Int32
	r := New(Options{
		Self:            bgAddr,
		Route:           func(env protocol.Envelope) { t.Errorf("unexpected route %+v", env) },
		OnLocalDelivery: func(protocol.Envelope) { local.Add(1) },
	})
	defer r.Close()
	r.OnMessage("echo", func(_ context.Context, msg Message) (any, error) { return msg.Payload, nil })

	out, err := r.Call(waitCtx(t), "echo", json.RawMessage(`{"x":true}`), "background")
	if err != nil || string(out) != `{"x":true}` {
		t.Fatalf("unexpected echo out=%s err=%v", out, err)
	}
	if local.Load() != 2 {
		t.Fatalf("expected request and reply to hit the local hook, got %d", local.Load())
	}
}

func TestCloseEndsPending(t *testing.T) {
	testlog.Start(t)
	r := New(Options{Self: popupAddr, Route: func(protocol.Envelope) {}})
	f, _ := r.Send("ping", nil, "background")
	r.Close()
	if _, err := f.Wait(waitCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed rejection, got %v", err)
	}
	if _, err := r.Send("ping", nil, "background"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}
