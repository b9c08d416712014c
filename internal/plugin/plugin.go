// Package plugin adapts the renewal scheduler to the connection pool's
// lifecycle hooks.
package plugin

import (
	"github.com/rickgao/bfx-token-renewal/internal/connection"
	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

// Type is the connection kind the plugin attaches to.
const Type = "ws2"

// TokenRenewal keeps every pooled ws2 connection authenticated.
type TokenRenewal struct {
	scheduler *renewal.Scheduler
}

// New wraps s as a connection hook.
func New(s *renewal.Scheduler) *TokenRenewal {
	return &TokenRenewal{scheduler: s}
}

// ID returns the plugin identifier.
func (p *TokenRenewal) ID() string {
	return p.scheduler.Name()
}

// Type returns the connection kind the plugin serves.
func (p *TokenRenewal) Type() string {
	return Type
}

// Scheduler returns the wrapped scheduler.
func (p *TokenRenewal) Scheduler() *renewal.Scheduler {
	return p.scheduler
}

// Created registers conn with the scheduler without keeping it reachable.
func (p *TokenRenewal) Created(id string, conn *connection.Conn, state connection.State) connection.State {
	p.scheduler.OnCreated(id, renewal.WeakRef(conn), state)
	return state
}

// Destroyed unregisters the connection.
func (p *TokenRenewal) Destroyed(id string, state connection.State) connection.State {
	p.scheduler.OnDestroyed(id, state)
	return state
}

// Close stops scheduling renewals.
func (p *TokenRenewal) Close() {
	p.scheduler.Close()
}

var _ connection.Hook = (*TokenRenewal)(nil)
