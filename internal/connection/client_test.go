package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClientConfig(server *httptest.Server) ClientConfig {
	return ClientConfig{
		URL:          wsURL(server),
		PingTimeout:  30 * time.Second,
		PingInterval: 10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   10,
	}
}

// authServer acknowledges every auth request and records the tokens it saw.
type authServer struct {
	mu     sync.Mutex
	tokens []string
	status string
	seen   chan string
}

func newAuthServer(status string) *authServer {
	return &authServer{status: status, seen: make(chan string, 10)}
}

func (a *authServer) handle(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req authRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Event != "auth" {
			continue
		}

		a.mu.Lock()
		a.tokens = append(a.tokens, req.Token)
		a.mu.Unlock()

		ack := eventMessage{Event: "auth", Status: a.status, UserID: 42}
		if a.status != "OK" {
			ack.Code = 10100
			ack.Msg = "apikey: invalid"
		}
		conn.WriteJSON(ack)
		a.seen <- req.Token
	}
}

func (a *authServer) wait(t *testing.T) string {
	t.Helper()
	select {
	case tok := <-a.seen:
		return tok
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth request")
		return ""
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConn_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewConn("c1", testClientConfig(server), nil, nil, quietLogger())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !c.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
	if c.Alive() {
		t.Error("expected Alive to return false after Close")
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	c := NewConn("c1", ClientConfig{}, nil, nil, quietLogger())

	if err := c.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestConn_SendNotConnected(t *testing.T) {
	c := NewConn("c1", ClientConfig{}, nil, nil, quietLogger())

	if err := c.Send([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestConn_Authenticate(t *testing.T) {
	srv := newAuthServer("OK")
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	c := NewConn("c1", testClientConfig(server), nil, nil, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	c.Authenticate("tok-1")

	if got := srv.wait(t); got != "tok-1" {
		t.Errorf("server received token %q, want tok-1", got)
	}
	waitFor(t, c.IsAuthenticated)
}

func TestConn_AuthenticateDoesNotBlock(t *testing.T) {
	srv := newAuthServer("OK")
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	c := NewConn("c1", testClientConfig(server), nil, nil, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	// Hold the writer so any synchronous send would stall
	c.writeMu.Lock()

	returned := make(chan struct{})
	go func() {
		c.Authenticate("tok-1")
		c.Authenticate("tok-2")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		c.writeMu.Unlock()
		t.Fatal("Authenticate blocked on a stalled writer")
	}

	c.writeMu.Unlock()

	// The first write may already carry tok-1 or tok-2; the last one sent is tok-2
	got := srv.wait(t)
	if got != "tok-2" {
		if next := srv.wait(t); next != "tok-2" {
			t.Errorf("tokens sent = %q, %q, want tok-2 last", got, next)
		}
	}
}

func TestConn_AuthenticateBeforeConnect(t *testing.T) {
	srv := newAuthServer("OK")
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	var applied []string
	c := NewConn("c1", testClientConfig(server), nil, nil, quietLogger())
	c.onAuth = func(token string) { applied = append(applied, token) }

	c.Authenticate("stored")
	if len(applied) != 1 || applied[0] != "stored" {
		t.Errorf("onAuth saw %v, want [stored]", applied)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if got := srv.wait(t); got != "stored" {
		t.Errorf("server received token %q, want stored", got)
	}
}

func TestConn_AuthRejected(t *testing.T) {
	srv := newAuthServer("FAILED")
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	events := make(chan Event, 10)
	c := NewConn("c1", testClientConfig(server), nil, events, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	c.Authenticate("bad")

	select {
	case ev := <-events:
		if ev.Name != "auth:error" {
			t.Errorf("event name = %q, want auth:error", ev.Name)
		}
		if !strings.Contains(ev.Message, "apikey: invalid") {
			t.Errorf("event message = %q", ev.Message)
		}
		if ev.ConnID != "c1" {
			t.Errorf("event conn = %q, want c1", ev.ConnID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth:error event")
	}

	if c.IsAuthenticated() {
		t.Error("expected IsAuthenticated to be false after rejection")
	}
}

func TestConn_ReauthenticatesAfterReconnect(t *testing.T) {
	srv := newAuthServer("OK")
	var sessions int
	var mu sync.Mutex
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		sessions++
		first := sessions == 1
		mu.Unlock()

		if first {
			// Acknowledge once then drop the session
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req authRequest
			json.Unmarshal(data, &req)
			srv.seen <- req.Token
			return
		}
		srv.handle(conn)
	})
	defer server.Close()

	c := NewConn("c1", testClientConfig(server), nil, nil, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	c.Authenticate("tok-1")
	srv.wait(t)

	select {
	case <-c.Errors():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transport error")
	}
	if c.IsConnected() {
		t.Fatal("expected connection to be down after server closed it")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if got := srv.wait(t); got != "tok-1" {
		t.Errorf("token after reconnect = %q, want tok-1", got)
	}
}

func TestConn_Emit(t *testing.T) {
	events := make(chan Event, 1)
	c := NewConn("c1", ClientConfig{}, nil, events, quietLogger())

	c.Emit("plugin:error", "[renew-token-plugin] error: boom")
	// Sink is full; must not block
	c.Emit("plugin:error", "dropped")

	ev := <-events
	if ev.Name != "plugin:error" || ev.Message != "[renew-token-plugin] error: boom" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.ConnID != "c1" {
		t.Errorf("ConnID = %q, want c1", ev.ConnID)
	}
}

func TestConn_Messages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`[0,"hb"]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	messages := make(chan RawMessage, 10)
	c := NewConn("c1", testClientConfig(server), messages, nil, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-messages:
		if string(msg.Data) != `[0,"hb"]` {
			t.Errorf("Data = %s", msg.Data)
		}
		if msg.ConnID != "c1" {
			t.Errorf("ConnID = %q, want c1", msg.ConnID)
		}
		if msg.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestClientConfig_Defaults(t *testing.T) {
	var cfg ClientConfig
	cfg.applyDefaults()

	if cfg != DefaultClientConfig() {
		t.Errorf("applyDefaults() = %+v, want %+v", cfg, DefaultClientConfig())
	}
}
