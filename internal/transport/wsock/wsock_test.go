package wsock

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ctxbus/internal/testutil/testlog"
	"github.com/danmuck/ctxbus/internal/transport"
)

func TestDialCarriesNameAndScope(t *testing.T) {
	testlog.Start(t)

	accepted := make(chan transport.Conn, 1)
	srv := httptest.NewServer(NewServer(func(c transport.Conn) { accepted <- c }))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := NewDialer(wsURL, 9).Dial(context.Background(), `{"context":"popup"}`)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server transport.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not accept")
	}
	if server.Name() != `{"context":"popup"}` {
		t.Fatalf("unexpected name %q", server.Name())
	}
	if server.Meta().Scope != 9 {
		t.Fatalf("unexpected scope meta: %+v", server.Meta())
	}

	got := make(chan string, 4)
	disconnected := make(chan error, 1)
	if err := server.Start(transport.Handler{
		Receive:    func(p []byte) { got <- string(p) },
		Disconnect: func(err error) { disconnected <- err },
	}); err != nil {
		t.Fatalf("start server: %v", err)
	}
	echoed := make(chan string, 4)
	if err := client.Start(transport.Handler{Receive: func(p []byte) { echoed <- string(p) }}); err != nil {
		t.Fatalf("start client: %v", err)
	}

	for _, msg := range []string{"a", "b"} {
		if err := client.Send([]byte(msg)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, want := range []string{"a", "b"} {
		select {
		case msg := <-got:
			if msg != want {
				t.Fatalf("got=%q want=%q", msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	if err := server.Send([]byte("back")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	select {
	case msg := <-echoed:
		if msg != "back" {
			t.Fatalf("unexpected echo %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not receive")
	}

	_ = client.Close()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not observe disconnect")
	}
	if err := client.Send([]byte("late")); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewDialer("ws://127.0.0.1:1/bus", 0).Dial(ctx, "x"); err == nil {
		t.Fatalf("expected dial error")
	}
}
