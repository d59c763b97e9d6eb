package hub

import "github.com/danmuck/ctxbus/internal/protocol"

// Route outcomes reported to an Observer.
const (
	OutcomeTransferred    = "transferred"
	OutcomeDeferred       = "deferred"
	OutcomeCannotTransfer = "cannot_transfer"
	OutcomeDropped        = "dropped"
	OutcomeRejected       = "rejected"
)

// Observer receives hub events for metrics. Calls happen on the hub loop and
// must not block.
type Observer interface {
	ConnectionOpened(addr protocol.Address)
	ConnectionClosed(addr protocol.Address)
	Routed(kind protocol.Kind, outcome string)
	Notified(status string)
	SessionEnded(terminated int)
	LedgerSize(n int)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(protocol.Address) {}
func (nopObserver) ConnectionClosed(protocol.Address) {}
func (nopObserver) Routed(protocol.Kind, string)      {}
func (nopObserver) Notified(string)                   {}
func (nopObserver) SessionEnded(int)                  {}
func (nopObserver) LedgerSize(int)                    {}
