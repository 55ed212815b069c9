package server

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"calcjit/internal/jit"
	"calcjit/internal/session"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, line string) Reply {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	var r Reply
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return r
}

func TestClientsShareDefinitions(t *testing.T) {
	srv := New(session.New(jit.New(jit.Config{})), Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	a := dial(t, ts.URL)
	b := dial(t, ts.URL)

	if r := send(t, a, "f(x) = x*x"); r.Kind != "define" || r.Name != "f" || r.Error != "" {
		t.Errorf("define reply = %+v", r)
	}
	if r := send(t, b, "f(3)"); r.Kind != "evaluate" || r.Value != 9 {
		t.Errorf("f(3) from second client = %+v", r)
	}
	if r := send(t, b, "f(x) = x + 1"); r.Error != "" {
		t.Errorf("redefine reply = %+v", r)
	}
	if r := send(t, a, "f(3)"); r.Value != 4 {
		t.Errorf("first client sees old f: %+v", r)
	}
	if n := len(srv.Clients()); n != 2 {
		t.Errorf("Clients() = %d, want 2", n)
	}
}

func TestErrorReplies(t *testing.T) {
	srv := New(session.New(jit.New(jit.Config{})), Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	c := dial(t, ts.URL)

	tests := []struct {
		line string
		want string
	}{
		{"1 +", "SyntaxError"},
		{"1 / 0", "division by zero"},
		{"pow2(x) = x", "Can't replace built-in function pow2!"},
	}
	for _, tt := range tests {
		r := send(t, c, tt.line)
		if !strings.Contains(r.Error, tt.want) {
			t.Errorf("%q: error = %q, want it to contain %q", tt.line, r.Error, tt.want)
		}
	}
	if r := send(t, c, "pow2(4)"); r.Value != 16 || r.Error != "" {
		t.Errorf("pow2(4) = %+v", r)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(session.New(jit.New(jit.Config{})), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, "http://"+ln.Addr().String())
	if r := send(t, c, "6 * 7"); r.Value != 42 {
		t.Errorf("6 * 7 = %+v", r)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
