package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ctxbus/internal/protocol"
)

func receipt(taskID, toSession string) Receipt {
	return Receipt{
		Envelope: protocol.Envelope{TaskID: taskID, MessageID: "ping", Kind: protocol.KindRequest},
		From:     Party{Address: protocol.Address{Context: protocol.ContextPopup}, Session: "uid::from"},
		To:       Party{Address: protocol.Address{Context: protocol.ContextOptions}, Session: toSession},
	}
}

func TestLedgerAddRemove(t *testing.T) {
	l := New()
	l.Add(receipt("t1", "s1"), receipt("t2", "s2"), receipt("t3", "s1"))
	require.Equal(t, 3, l.Len())

	assert.True(t, l.Remove("t2"))
	assert.False(t, l.Remove("t2"))
	assert.False(t, l.Remove("missing"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TaskID())
	assert.Equal(t, "t3", entries[1].TaskID())
}

func TestLedgerAddReplacesSameTask(t *testing.T) {
	l := New()
	l.Add(receipt("t1", "s1"))
	l.Add(receipt("t1", "s9"))
	require.Equal(t, 1, l.Len())

	r, ok := l.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "s9", r.To.Session)
}

func TestLedgerIgnoresEmptyTaskID(t *testing.T) {
	l := New()
	l.Add(receipt("", "s1"), receipt("  ", "s1"))
	assert.Equal(t, 0, l.Len())
}

func TestLedgerRemoveTo(t *testing.T) {
	l := New()
	l.Add(receipt("t1", "s1"), receipt("t2", "s2"), receipt("t3", "s1"))

	removed := l.RemoveTo("s1")
	require.Len(t, removed, 2)
	assert.Equal(t, "t1", removed[0].TaskID())
	assert.Equal(t, "t3", removed[1].TaskID())
	assert.Equal(t, 1, l.Len())

	assert.Empty(t, l.RemoveTo("s1"))
}

func TestLedgerSnapshotIsolated(t *testing.T) {
	l := New()
	l.Add(receipt("t1", "s1"))
	snap := l.Entries()
	snap[0].To.Session = "mutated"

	r, ok := l.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "s1", r.To.Session)
}

func TestLedgerTake(t *testing.T) {
	l := New()
	l.Add(receipt("t1", "s1"), receipt("t2", "s2"))
	r, ok := l.Take("t1")
	require.True(t, ok)
	assert.Equal(t, "s1", r.To.Session)
	_, ok = l.Take("t1")
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}
