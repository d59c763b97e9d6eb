package session

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ctxbus/internal/protocol"
)

// PendingTransfer tracks one request the hub reported as undeliverable.
type PendingTransfer struct {
	Destination   protocol.Address
	Envelope      protocol.Envelope
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
}

func (p PendingTransfer) TaskID() string { return p.Envelope.TaskID }

// Backlog stores undeliverable requests by task id in arrival order.
type Backlog struct {
	mu    sync.RWMutex
	order []string
	items map[string]PendingTransfer
}

func NewBacklog() *Backlog {
	return &Backlog{
		items: make(map[string]PendingTransfer),
	}
}

// Add queues item unless its task id is already queued.
func (b *Backlog) Add(item PendingTransfer) bool {
	key := strings.TrimSpace(item.TaskID())
	if key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; ok {
		return false
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	b.items[key] = item
	b.order = append(b.order, key)
	return true
}

// TakeFor removes and returns every item addressed to dest, oldest first.
// Attempts and LastAttemptAt are bumped on the returned items.
func (b *Backlog) TakeFor(dest protocol.Address, at time.Time) []PendingTransfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PendingTransfer
	kept := b.order[:0:0]
	for _, key := range b.order {
		item := b.items[key]
		if item.Destination != dest {
			kept = append(kept, key)
			continue
		}
		delete(b.items, key)
		item.Attempts++
		item.LastAttemptAt = at
		out = append(out, item)
	}
	b.order = kept
	return out
}

func (b *Backlog) Remove(taskID string) {
	key := strings.TrimSpace(taskID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return
	}
	delete(b.items, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Backlog) Get(taskID string) (PendingTransfer, bool) {
	key := strings.TrimSpace(taskID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.items[key]
	return item, ok
}

// Destinations returns each distinct destination once, in first-seen order.
func (b *Backlog) Destinations() []protocol.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[protocol.Address]struct{}, len(b.order))
	out := make([]protocol.Address, 0, len(b.order))
	for _, key := range b.order {
		dest := b.items[key].Destination
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		out = append(out, dest)
	}
	return out
}

func (b *Backlog) List() []PendingTransfer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PendingTransfer, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.items[key])
	}
	return out
}

func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}
