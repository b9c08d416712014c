package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pool owns the venue connections and drives their lifecycle hooks.
type Pool struct {
	cfg    PoolConfig
	hooks  []Hook
	logger *slog.Logger

	// Output channels
	messages chan RawMessage
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*poolConn
	token  string // Last token applied to any connection
	closed bool
}

// poolConn holds the state for a single pooled connection.
type poolConn struct {
	conn  *Conn
	state State
	stop  chan struct{}
}

// NewPool creates a connection Pool. Hooks run in the given order on Created
// and in reverse order on Destroyed.
func NewPool(cfg PoolConfig, logger *slog.Logger, hooks ...Hook) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = DefaultPoolConfig().MessageBufferSize
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultPoolConfig().EventBufferSize
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = DefaultPoolConfig().ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		messages: make(chan RawMessage, cfg.MessageBufferSize),
		events:   make(chan Event, cfg.EventBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*poolConn),
	}
}

// Start opens cfg.Count connections. Connections that fail to connect are
// retried in the background. Cancelling ctx stops reconnection.
func (p *Pool) Start(ctx context.Context) error {
	context.AfterFunc(ctx, p.cancel)

	var firstErr error
	for i := 0; i < p.cfg.Count; i++ {
		if _, err := p.Open(p.ctx); err != nil {
			p.logger.Warn("failed to open connection", "index", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if p.cfg.Count > 0 && p.Stats().Open == 0 {
		return fmt.Errorf("open connections: %w", firstErr)
	}

	p.logger.Info("connection pool started",
		"connections", p.Stats().Open,
		"url", p.cfg.Client.URL,
	)

	return nil
}

// Stop destroys every connection and waits for background goroutines.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info("stopping connection pool")

	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.CloseConn(id)
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	p.logger.Info("connection pool stopped")
	return nil
}

// Open creates a connection, seeds it with the last known token and runs the
// Created hooks. A connection that fails its first dial is still registered and
// reconnected in the background; the dial error is returned. Open may be called
// before Start. If the pool is stopped while the hooks run, the connection is
// destroyed again and ErrAlreadyClosed is returned.
func (p *Pool) Open(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	token := p.token
	p.mu.Unlock()

	id := uuid.NewString()
	conn := NewConn(id, p.cfg.Client, p.messages, p.events, p.logger.With("conn_id", id))
	conn.onAuth = p.rememberToken

	if token != "" {
		conn.Authenticate(token)
	}

	dialErr := conn.Connect(ctx)
	if dialErr != nil {
		p.logger.Warn("initial connect failed", "conn_id", id, "error", dialErr)
	}

	state := State{}
	for _, h := range p.hooks {
		state = h.Created(id, conn, state)
	}

	pc := &poolConn{conn: conn, state: state, stop: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(id, pc)
		return nil, ErrAlreadyClosed
	}
	p.conns[id] = pc
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise(pc, dialErr != nil)

	return conn, dialErr
}

// CloseConn runs the Destroyed hooks for id and closes the connection.
func (p *Pool) CloseConn(id string) error {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if !ok {
		return ErrUnknownConn
	}

	return p.destroy(id, pc)
}

// destroy runs the Destroyed hooks in reverse order and closes the connection.
func (p *Pool) destroy(id string, pc *poolConn) error {
	state := pc.state
	for i := len(p.hooks) - 1; i >= 0; i-- {
		state = p.hooks[i].Destroyed(id, state)
	}

	close(pc.stop)
	return pc.conn.Close()
}

// Conns returns the currently open connections.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Conn, 0, len(p.conns))
	for _, pc := range p.conns {
		out = append(out, pc.conn)
	}
	return out
}

// Messages returns the merged message channel.
func (p *Pool) Messages() <-chan RawMessage {
	return p.messages
}

// Events returns the merged event channel.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Stats returns current statistics.
func (p *Pool) Stats() PoolStats {
	var stats PoolStats
	for _, c := range p.Conns() {
		stats.Open++
		if c.IsConnected() {
			stats.Connected++
		}
		if c.IsAuthenticated() {
			stats.Authenticated++
		}
	}
	return stats
}

func (p *Pool) rememberToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// supervise reconnects pc whenever its session drops.
func (p *Pool) supervise(pc *poolConn, disconnected bool) {
	defer p.wg.Done()

	for {
		if disconnected {
			if !p.reconnect(pc) {
				return
			}
		}

		select {
		case <-p.ctx.Done():
			return
		case <-pc.stop:
			return
		case err := <-pc.conn.Errors():
			p.logger.Warn("connection dropped", "conn_id", pc.conn.ID(), "error", err)
			disconnected = true
		}
	}
}

// reconnect attempts to reconnect with exponential backoff. It returns false
// once the pool or connection is shutting down.
func (p *Pool) reconnect(pc *poolConn) bool {
	wait := p.cfg.ReconnectBaseWait

	for {
		select {
		case <-p.ctx.Done():
			return false
		case <-pc.stop:
			return false
		case <-time.After(wait):
		}

		p.logger.Info("attempting reconnection", "conn_id", pc.conn.ID())

		if err := pc.conn.Connect(p.ctx); err != nil {
			if err == ErrAlreadyClosed {
				return false
			}
			p.logger.Warn("reconnection failed",
				"conn_id", pc.conn.ID(),
				"error", err,
				"next_wait", wait*2,
			)

			// Exponential backoff
			wait *= 2
			if wait > p.cfg.ReconnectMaxWait {
				wait = p.cfg.ReconnectMaxWait
			}
			continue
		}

		p.logger.Info("reconnected", "conn_id", pc.conn.ID())
		return true
	}
}
