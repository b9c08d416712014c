package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrUnknownConn     = errors.New("unknown connection")
)

// DefaultWSURL is the public ws2 endpoint.
const DefaultWSURL = "wss://api.bitfinex.com/ws/2"

// State is the payload threaded through lifecycle hooks. Hooks must return it
// (or a replacement) for the next hook in the chain.
type State map[string]any

// Hook observes connection lifecycle.
type Hook interface {
	// Created is called once a connection is open and seeded with the last token.
	Created(id string, conn *Conn, state State) State

	// Destroyed is called before a connection is closed for good.
	Destroyed(id string, state State) State
}

// RawMessage is a message received on one of the pool's connections.
type RawMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ConnID     string    // Which connection this came from
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Event is a notification emitted to a connection, typically by a plugin.
type Event struct {
	ConnID  string
	Name    string // e.g. "plugin:error", "auth:error"
	Message string
	At      time.Time
}

// authRequest authenticates a ws2 connection with a previously issued token.
type authRequest struct {
	Event string `json:"event"`
	Token string `json:"token"`
}

// eventMessage is a ws2 control message ({"event": ...}). Data messages are
// JSON arrays and never decode into this.
type eventMessage struct {
	Event   string `json:"event"`
	Status  string `json:"status,omitempty"` // "OK" or "FAILED" for auth
	Msg     string `json:"msg,omitempty"`
	Code    int    `json:"code,omitempty"`
	UserID  int64  `json:"userId,omitempty"`
	Version int    `json:"version,omitempty"`
}

// ClientConfig configures a WebSocket connection.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://api.bitfinex.com/ws/2)
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	PingInterval time.Duration // Keepalive ping period
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Event channel buffer size when not shared
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:          DefaultWSURL,
		PingTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
}

// PoolConfig configures the connection Pool.
type PoolConfig struct {
	Client            ClientConfig
	Count             int           // Connections opened by Start
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	MessageBufferSize int           // Buffer size for merged message channel
	EventBufferSize   int           // Buffer size for merged event channel
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Client:            DefaultClientConfig(),
		Count:             1,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		MessageBufferSize: 10000,
		EventBufferSize:   100,
	}
}

// PoolStats provides statistics about the pool.
type PoolStats struct {
	Open          int
	Connected     int
	Authenticated int
}
