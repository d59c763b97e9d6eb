package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
)

// Endpoint->hub frame types.
const (
	FrameForward = "forward"
	FrameResync  = "resync"
)

// Hub->endpoint notification statuses.
const (
	StatusReplied        = "replied"
	StatusTransferring   = "transferring"
	StatusCannotTransfer = "cannot_transfer"
	StatusRetry          = "retry"
	StatusTerminated     = "terminated"
	StatusResyncAck      = "resync_ack"
)

var (
	ErrInvalidFrame        = errors.New("session: invalid frame")
	ErrInvalidNotification = errors.New("session: invalid notification")
)

// ResyncRequest replays an endpoint's local state right after it connects.
type ResyncRequest struct {
	Ledger  []ledger.Receipt   `json:"ledger"`
	Backlog []protocol.Address `json:"backlog"`
}

// ResyncAck answers a ResyncRequest with the directives the hub can decide
// immediately. Retries for destinations that are not live yet arrive later
// as StatusRetry notifications.
type ResyncAck struct {
	Session    string             `json:"session"`
	Terminated []string           `json:"terminated"`
	Retry      []protocol.Address `json:"retry"`
}

// HubFrame is one endpoint->hub message.
type HubFrame struct {
	Type     string             `json:"type"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	Resync   *ResyncRequest     `json:"resync,omitempty"`
}

func (f HubFrame) Validate() error {
	switch f.Type {
	case FrameForward:
		if f.Envelope == nil {
			return fmt.Errorf("%w: forward missing envelope", ErrInvalidFrame)
		}
		if err := f.Envelope.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	case FrameResync:
		if f.Resync == nil {
			return fmt.Errorf("%w: resync missing body", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

// Notification is one hub->endpoint message.
type Notification struct {
	Status      string             `json:"status"`
	Envelope    *protocol.Envelope `json:"envelope,omitempty"`
	Receipt     *ledger.Receipt    `json:"receipt,omitempty"`
	Destination *protocol.Address  `json:"destination,omitempty"`
	Session     string             `json:"session,omitempty"`
	Ack         *ResyncAck         `json:"ack,omitempty"`
}

func (n Notification) Validate() error {
	switch n.Status {
	case StatusReplied:
		if n.Envelope == nil {
			return fmt.Errorf("%w: replied missing envelope", ErrInvalidNotification)
		}
	case StatusTransferring:
		if n.Receipt == nil {
			return fmt.Errorf("%w: transferring missing receipt", ErrInvalidNotification)
		}
	case StatusCannotTransfer:
		if n.Envelope == nil || n.Destination == nil {
			return fmt.Errorf("%w: cannot_transfer missing envelope or destination", ErrInvalidNotification)
		}
	case StatusRetry:
		if n.Destination == nil {
			return fmt.Errorf("%w: retry missing destination", ErrInvalidNotification)
		}
	case StatusTerminated:
		if strings.TrimSpace(n.Session) == "" {
			return fmt.Errorf("%w: terminated missing session", ErrInvalidNotification)
		}
	case StatusResyncAck:
		if n.Ack == nil {
			return fmt.Errorf("%w: resync_ack missing body", ErrInvalidNotification)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidNotification, n.Status)
	}
	return nil
}

func EncodeForward(env protocol.Envelope) ([]byte, error) {
	return encodeHubFrame(HubFrame{Type: FrameForward, Envelope: &env})
}

func EncodeResync(req ResyncRequest) ([]byte, error) {
	if req.Ledger == nil {
		req.Ledger = []ledger.Receipt{}
	}
	if req.Backlog == nil {
		req.Backlog = []protocol.Address{}
	}
	return encodeHubFrame(HubFrame{Type: FrameResync, Resync: &req})
}

func encodeHubFrame(f HubFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func DecodeHubFrame(raw []byte) (HubFrame, error) {
	var f HubFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return HubFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return HubFrame{}, err
	}
	return f, nil
}

func EncodeNotification(n Notification) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func DecodeNotification(raw []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Notification constructors used by the hub.

func Replied(env protocol.Envelope) Notification {
	return Notification{Status: StatusReplied, Envelope: &env}
}

func Transferring(r ledger.Receipt) Notification {
	return Notification{Status: StatusTransferring, Receipt: &r}
}

func CannotTransfer(dest protocol.Address, env protocol.Envelope) Notification {
	return Notification{Status: StatusCannotTransfer, Destination: &dest, Envelope: &env}
}

func Retry(dest protocol.Address) Notification {
	return Notification{Status: StatusRetry, Destination: &dest}
}

func Terminated(session string) Notification {
	return Notification{Status: StatusTerminated, Session: session}
}

func ResyncAcked(ack ResyncAck) Notification {
	if ack.Terminated == nil {
		ack.Terminated = []string{}
	}
	if ack.Retry == nil {
		ack.Retry = []protocol.Address{}
	}
	return Notification{Status: StatusResyncAck, Ack: &ack}
}
