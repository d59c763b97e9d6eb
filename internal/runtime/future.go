package runtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Future is the pending result of one request.
type Future struct {
	taskID string
	once   sync.Once
	done   chan struct{}

	payload json.RawMessage
	err     error
}

func newFuture(taskID string) *Future {
	return &Future{taskID: taskID, done: make(chan struct{})}
}

func (f *Future) TaskID() string { return f.taskID }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends. A ctx error does not
// settle the future.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value. ok is false while still pending.
func (f *Future) Result() (payload json.RawMessage, err error, ok bool) {
	select {
	case <-f.done:
		return f.payload, f.err, true
	default:
		return nil, nil, false
	}
}

// Decode waits and unmarshals the reply payload into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	payload, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (f *Future) settle(payload json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}
