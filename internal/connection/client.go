package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single ws2 connection. It satisfies the renewal scheduler's manager
// contract: Authenticate applies a token, Emit surfaces a notification on the
// connection's event sink.
type Conn struct {
	id     string
	cfg    ClientConfig
	logger *slog.Logger

	// Output channels, possibly shared with other connections
	messages chan<- RawMessage
	events   chan<- Event
	errors   chan error

	// Called after every Authenticate with the applied token
	onAuth func(token string)

	// Signals the session's auth loop that c.token needs sending
	authPending chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	ws         *websocket.Conn
	done       chan struct{} // Closed when the current session ends
	connected  bool
	closed     bool
	lastPingAt time.Time
	token      string
	authed     bool
}

// NewConn creates a connection. messages and events may be nil, in which case
// received data is dropped and events are buffered on a private channel.
func NewConn(id string, cfg ClientConfig, messages chan<- RawMessage, events chan<- Event, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if events == nil {
		events = make(chan Event, cfg.BufferSize)
	}

	return &Conn{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		messages: messages,
		events:   events,
		errors:   make(chan error, 1),

		authPending: make(chan struct{}, 1),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string {
	return c.id
}

// Connect establishes the WebSocket connection. Calling Connect again after the
// transport dropped starts a new session and re-sends the last token.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed, connected := c.closed, c.connected
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}
	if connected {
		return nil
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrAlreadyClosed
	}
	c.ws = ws
	c.done = done
	c.connected = true
	c.authed = false
	c.lastPingAt = time.Now()
	token := c.token
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	ws.SetPingHandler(func(data string) error {
		c.touch()
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	ws.SetPongHandler(func(data string) error {
		c.touch()
		return nil
	})

	go c.readLoop(ws, done)
	go c.heartbeatLoop(ws, done)
	go c.authLoop(done)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	if token != "" {
		c.requestAuth()
	}

	return nil
}

// Close gracefully closes the connection. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws, done, connected := c.ws, c.done, c.connected
	c.endSessionLocked(done)
	c.mu.Unlock()

	if !connected {
		return nil
	}

	c.writeMu.Lock()
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return ws.Close()
}

// Send writes raw bytes to the connection.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	ws, connected := c.ws, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Authenticate applies token to the connection. It does not block: the auth
// message is written by the session's auth loop, and only the latest token is
// sent when several arrive before a write completes. When disconnected the
// token is kept and sent on the next Connect. Failures are logged.
func (c *Conn) Authenticate(token string) {
	c.mu.Lock()
	c.token = token
	connected := c.connected
	c.mu.Unlock()

	if c.onAuth != nil {
		c.onAuth(token)
	}

	if !connected {
		c.logger.Debug("token stored until reconnect")
		return
	}

	c.requestAuth()
}

// Emit publishes an event for this connection. It never blocks; events are
// dropped when the sink is full.
func (c *Conn) Emit(event, message string) {
	ev := Event{
		ConnID:  c.id,
		Name:    event,
		Message: message,
		At:      time.Now(),
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", "event", event)
	}
}

// Alive reports whether the connection has not been closed.
func (c *Conn) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// IsConnected returns current connection state.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsAuthenticated reports whether the venue acknowledged the current token on
// the current session.
func (c *Conn) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// Errors returns a channel of transport errors. One error is delivered per
// dropped session.
func (c *Conn) Errors() <-chan error {
	return c.errors
}

func (c *Conn) requestAuth() {
	select {
	case c.authPending <- struct{}{}:
	default:
	}
}

// authLoop sends the current token whenever one is requested, until the
// session ends.
func (c *Conn) authLoop(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.authPending:
			c.mu.RLock()
			token := c.token
			c.mu.RUnlock()

			if token == "" {
				continue
			}
			if err := c.sendAuth(token); err != nil {
				c.logger.Warn("failed to send auth", "error", err)
			}
		}
	}
}

func (c *Conn) sendAuth(token string) error {
	data, err := json.Marshal(authRequest{Event: "auth", Token: token})
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	return c.Send(data)
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// endSessionLocked marks the session identified by done as finished.
func (c *Conn) endSessionLocked(done chan struct{}) {
	if done == nil || c.done != done {
		return
	}
	close(done)
	c.done = nil
	c.connected = false
	c.authed = false
}

// drop ends the session after a transport failure and reports err once.
func (c *Conn) drop(ws *websocket.Conn, done chan struct{}, err error) {
	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return
	}
	c.endSessionLocked(done)
	c.mu.Unlock()

	ws.Close()

	select {
	case c.errors <- err:
	default:
	}
}

// readLoop reads messages until the session ends.
func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-done:
			default:
				c.drop(ws, done, err)
			}
			return
		}

		if bytes.HasPrefix(data, []byte("{")) {
			c.handleEvent(data)
		}

		if c.messages == nil {
			continue
		}

		msg := RawMessage{
			Data:       data,
			ConnID:     c.id,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// handleEvent tracks auth acknowledgements.
func (c *Conn) handleEvent(data []byte) {
	var ev eventMessage
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event != "auth" {
		return
	}

	if ev.Status == "OK" {
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		c.logger.Debug("token accepted", "user_id", ev.UserID)
		return
	}

	c.logger.Warn("token rejected", "code", ev.Code, "msg", ev.Msg)
	c.Emit("auth:error", fmt.Sprintf("auth failed (%d): %s", ev.Code, ev.Msg))
}

// heartbeatLoop sends keepalive pings and detects stale sessions.
func (c *Conn) heartbeatLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.drop(ws, done, ErrStaleConnection)
				return
			}
		}
	}
}
