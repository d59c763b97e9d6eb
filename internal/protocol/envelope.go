package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes requests from replies.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
)

// Envelope is the unit of transport between contexts.
type Envelope struct {
	Origin      Address          `json:"origin"`
	Destination Address          `json:"destination"`
	TaskID      string           `json:"task_id"`
	MessageID   string           `json:"message_id"`
	Kind        Kind             `json:"kind"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Error       *SerializedError `json:"error,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

// NewRequest builds a request envelope with a fresh task id.
func NewRequest(origin, destination Address, messageID string, payload json.RawMessage) Envelope {
	return Envelope{
		Origin:      origin,
		Destination: destination,
		TaskID:      NewTaskID(),
		MessageID:   messageID,
		Kind:        KindRequest,
		Payload:     payload,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// ReplyTo builds the reply for req from self. A non-nil err replaces payload.
func ReplyTo(req Envelope, self Address, payload json.RawMessage, err error) Envelope {
	reply := Envelope{
		Origin:      self,
		Destination: req.Origin,
		TaskID:      req.TaskID,
		MessageID:   req.MessageID,
		Kind:        KindReply,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err != nil {
		reply.Error = SerializeError(err)
	} else {
		reply.Payload = payload
	}
	return reply
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return fmt.Errorf("envelope missing task_id")
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("envelope missing message_id")
	}
	if !e.Origin.Context.Valid() {
		return fmt.Errorf("envelope invalid origin %q", e.Origin.Context)
	}
	if !e.Destination.Context.Valid() {
		return fmt.Errorf("envelope invalid destination %q", e.Destination.Context)
	}
	switch e.Kind {
	case KindRequest:
		if e.Error != nil {
			return fmt.Errorf("request envelope carries an error")
		}
	case KindReply:
		if e.Error != nil && len(e.Payload) > 0 {
			return fmt.Errorf("reply envelope carries both payload and error")
		}
	default:
		return fmt.Errorf("envelope invalid kind %q", e.Kind)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return out
}
