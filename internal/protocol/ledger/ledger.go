// Package ledger tracks requests that were routed but not yet replied to.
package ledger

import (
	"strings"
	"sync"

	"github.com/danmuck/ctxbus/internal/protocol"
)

// Party names one side of a routed request: the logical address and the
// session of the physical connection it was seen on.
type Party struct {
	Address protocol.Address `json:"address"`
	Session string           `json:"session"`
}

// Receipt records that Envelope was handed to To and no reply was observed.
type Receipt struct {
	Envelope protocol.Envelope `json:"envelope"`
	From     Party             `json:"from"`
	To       Party             `json:"to"`
}

func (r Receipt) TaskID() string { return r.Envelope.TaskID }

// Ledger stores receipts in insertion order, one per task id.
type Ledger struct {
	mu    sync.RWMutex
	items []Receipt
}

func New() *Ledger {
	return &Ledger{}
}

// Add appends receipts. A receipt for a task id already present replaces it
// in place.
func (l *Ledger) Add(receipts ...Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range receipts {
		key := strings.TrimSpace(r.TaskID())
		if key == "" {
			continue
		}
		replaced := false
		for i := range l.items {
			if l.items[i].TaskID() == key {
				l.items[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			l.items = append(l.items, r)
		}
	}
}

// Remove drops the receipt for taskID and reports whether one existed.
func (l *Ledger) Remove(taskID string) bool {
	_, ok := l.Take(taskID)
	return ok
}

// Take removes and returns the receipt for taskID.
func (l *Ledger) Take(taskID string) (Receipt, bool) {
	key := strings.TrimSpace(taskID)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].TaskID() == key {
			r := l.items[i]
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return r, true
		}
	}
	return Receipt{}, false
}

// RemoveWhere removes every receipt matching pred and returns them in order.
func (l *Ledger) RemoveWhere(pred func(Receipt) bool) []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []Receipt
	kept := l.items[:0:0]
	for _, r := range l.items {
		if pred(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	l.items = kept
	return removed
}

// RemoveTo removes every receipt whose destination is the given session.
func (l *Ledger) RemoveTo(session string) []Receipt {
	return l.RemoveWhere(func(r Receipt) bool { return r.To.Session == session })
}

func (l *Ledger) Get(taskID string) (Receipt, bool) {
	key := strings.TrimSpace(taskID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.items {
		if r.TaskID() == key {
			return r, true
		}
	}
	return Receipt{}, false
}

// Entries returns a snapshot in insertion order.
func (l *Ledger) Entries() []Receipt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Receipt, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
