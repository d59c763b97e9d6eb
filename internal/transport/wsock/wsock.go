// Package wsock carries bus connections over WebSocket.
package wsock

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/transport"
)

const (
	QueryName   = "name"
	QueryScope  = "scope"
	HeaderScope = "X-Ctxbus-Scope"

	writeWait = 10 * time.Second
)

// Conn is one WebSocket-backed bus connection.
type Conn struct {
	name string
	meta transport.Meta
	ws   *websocket.Conn

	mu      sync.Mutex
	queue   [][]byte
	started bool
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, name string, meta transport.Meta) *Conn {
	return &Conn{
		name:   name,
		meta:   meta,
		ws:     ws,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) Meta() transport.Meta { return c.meta }

func (c *Conn) Start(h transport.Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return transport.ErrStarted
	}
	c.started = true
	c.mu.Unlock()
	go c.writeLoop()
	go c.readLoop(h)
	return nil
}

// Send queues payload for the writer goroutine.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.queue = append(c.queue, append([]byte(nil), payload...))
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readLoop(h transport.Handler) {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if c.markClosed() {
				_ = c.ws.Close()
				if h.Disconnect != nil {
					h.Disconnect(err)
				}
			}
			return
		}
		if h.Receive != nil {
			h.Receive(payload)
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			payload := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !c.isClosed() {
					logging.Warnf("wsock.Conn.writeLoop write err=%v name_len=%d", err, len(c.name))
				}
				_ = c.ws.Close()
				return
			}
		}
	}
}

// Server upgrades HTTP requests into bus connections.
type Server struct {
	Accept   transport.AcceptFunc
	Upgrader websocket.Upgrader
}

func NewServer(accept transport.AcceptFunc) *Server {
	return &Server{
		Accept: accept,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(QueryName)
	meta := transport.Meta{RemoteAddr: r.RemoteAddr, Scope: scopeFromRequest(r)}

	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("wsock.Server.ServeHTTP upgrade remote=%q err=%v", r.RemoteAddr, err)
		return
	}
	s.Accept(newConn(ws, name, meta))
}

func scopeFromRequest(r *http.Request) int {
	raw := strings.TrimSpace(r.Header.Get(HeaderScope))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get(QueryScope))
	}
	scope, err := strconv.Atoi(raw)
	if err != nil || scope < 0 {
		return 0
	}
	return scope
}

// Dialer dials a bus hub's WebSocket endpoint. Scope is sent as transport
// metadata for endpoints whose scope only the host knows.
type Dialer struct {
	URL   string
	Scope int
	WS    *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(rawURL string, scope int) *Dialer {
	return &Dialer{URL: rawURL, Scope: scope, WS: websocket.DefaultDialer}
}

func (d *Dialer) Dial(ctx context.Context, name string) (transport.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(QueryName, name)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Scope > 0 {
		header.Set(HeaderScope, strconv.Itoa(d.Scope))
	}
	wsDialer := d.WS
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	ws, _, err := wsDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return newConn(ws, name, transport.Meta{RemoteAddr: ws.RemoteAddr().String()}), nil
}
