// Package transport defines the physical channel contract the bus consumes.
//
// A Conn is a duplex channel that carries opaque encoded values to one peer
// and reports when that peer goes away. Implementations deliver received
// values in send order and never block Send on the peer's processing.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed     = errors.New("transport: connection closed")
	ErrNoListener = errors.New("transport: no listener")
	ErrStarted    = errors.New("transport: connection already started")
)

// Meta is metadata the transport itself knows about a connection, such as
// the host sub-window it originates from.
type Meta struct {
	Scope      int
	RemoteAddr string
}

// Handler receives events for one connection.
type Handler struct {
	Receive    func(payload []byte)
	Disconnect func(err error)
}

// Conn is one physical connection.
type Conn interface {
	// Name is the opaque name given at connect time.
	Name() string
	Meta() Meta
	// Start begins event delivery. It must be called exactly once.
	Start(h Handler) error
	Send(payload []byte) error
	// Close tears the connection down. The peer observes a disconnect; the
	// local handler does not.
	Close() error
}

// Dialer opens connections to the hub.
type Dialer interface {
	Dial(ctx context.Context, name string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, name string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, name string) (Conn, error) {
	return f(ctx, name)
}

// AcceptFunc receives connections on the hub side.
type AcceptFunc func(conn Conn)
