package renewal

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrProviderPanic      = errors.New("token provider panicked")
)

// EventError is the event name used when notifying managers of a failed renewal.
const EventError = "plugin:error"

// DefaultName identifies the scheduler in error notifications.
const DefaultName = "renew-token-plugin"

// Token is an authentication token and its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Manager is a consumer the scheduler applies tokens to.
// Both methods must not block; the scheduler does not inspect their outcome.
type Manager interface {
	// Authenticate applies a freshly issued token.
	Authenticate(token string)

	// Emit notifies the manager of a scheduler event.
	Emit(event, message string)
}

// Liveness is optionally implemented by managers that can report they have been
// torn down before their owner released them.
type Liveness interface {
	Alive() bool
}

// Provider issues tokens.
type Provider interface {
	Refresh(ctx context.Context) (Token, error)
}

// ProviderFunc is a function adapter for Provider.
type ProviderFunc func(ctx context.Context) (Token, error)

func (f ProviderFunc) Refresh(ctx context.Context) (Token, error) {
	return f(ctx)
}

// Observer receives renewal outcomes. Calls are made outside the scheduler lock.
type Observer interface {
	RenewalSucceeded(expiresAt time.Time, delivered int)
	RenewalFailed(err *RenewalError)
	ManagersChanged(registered int)
}

// Observers fans a single observer call out to several observers.
type Observers []Observer

func (o Observers) RenewalSucceeded(expiresAt time.Time, delivered int) {
	for _, obs := range o {
		obs.RenewalSucceeded(expiresAt, delivered)
	}
}

func (o Observers) RenewalFailed(err *RenewalError) {
	for _, obs := range o {
		obs.RenewalFailed(err)
	}
}

func (o Observers) ManagersChanged(registered int) {
	for _, obs := range o {
		obs.ManagersChanged(registered)
	}
}

type nopObserver struct{}

func (nopObserver) RenewalSucceeded(time.Time, int) {}
func (nopObserver) RenewalFailed(*RenewalError)     {}
func (nopObserver) ManagersChanged(int)             {}

// RenewalError describes a failed renewal cycle.
type RenewalError struct {
	Attempt  int   // Consecutive failures, capped at MaxRetries+1
	Terminal bool  // True once MaxRetries retries have failed as well
	Err      error // Error returned by the provider
}

func (e *RenewalError) Error() string {
	if e.Terminal {
		return ErrMaxRetriesExceeded.Error() + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *RenewalError) Unwrap() []error {
	if e.Terminal {
		return []error{ErrMaxRetriesExceeded, e.Err}
	}
	return []error{e.Err}
}

// Config holds scheduler configuration.
type Config struct {
	Name           string        // Identifier used in error notifications
	MaxRetries     int           // Retries after a failure before a terminal notification (default: 3)
	RetryInterval  time.Duration // Wait between failed attempts (default: 30s)
	RenewThreshold time.Duration // Lead time before expiry (default: 1h)
	RefreshTimeout time.Duration // Per-call provider deadline (default: 30s)
	TokenTTL       time.Duration // Lifetime of a fresh token, paces cycles after a terminal failure (default: 24h)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           DefaultName,
		MaxRetries:     3,
		RetryInterval:  30 * time.Second,
		RenewThreshold: time.Hour,
		RefreshTimeout: 30 * time.Second,
		TokenTTL:       24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RenewThreshold <= 0 {
		c.RenewThreshold = d.RenewThreshold
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = d.RefreshTimeout
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
}

// Stats is a point-in-time view of scheduler state.
type Stats struct {
	Registered int
	Armed      bool
	Renewing   bool
	Attempts   int
	ExpiresAt  time.Time // Expiry of the last issued token, zero if none
}
