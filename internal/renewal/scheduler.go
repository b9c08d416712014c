package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Scheduler keeps registered managers supplied with a valid token.
//
// It is driven by connection lifecycle signals (OnCreated, OnDestroyed). The first
// registration arms a timer that fires immediately; every cycle then rearms it from
// the outcome: RenewThreshold before the new token expires on success, RetryInterval
// after a failure, or the normal cadence once MaxRetries retries have also failed. Only one timer is outstanding and only one cycle runs at a time.
type Scheduler struct {
	cfg      Config
	provider Provider
	clock    Clock
	observer Observer
	logger   *slog.Logger

	mu         sync.Mutex
	regs       *registrations
	timer      Timer
	timerSeq   uint64 // Identifies the armed timer; stale callbacks are ignored
	generation uint64 // Bumped by Close to discard in-flight results
	renewing   bool
	idle       chan struct{} // Closed when the in-flight cycle completes
	attempts   int
	expiresAt  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for timers and expiry arithmetic.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithObserver sets the observer notified of renewal outcomes.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// New creates a Scheduler. Zero config fields take their DefaultConfig values.
func New(cfg Config, provider Provider, opts ...Option) *Scheduler {
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:      cfg,
		provider: provider,
		clock:    SystemClock{},
		observer: nopObserver{},
		logger:   slog.Default(),
		regs:     newRegistrations(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}

	return s
}

// Name returns the identifier used in error notifications.
func (s *Scheduler) Name() string {
	return s.cfg.Name
}

// OnCreated registers the manager behind ref under id, replacing any previous
// registration for id. If no timer is armed and no cycle is running, a renewal is
// scheduled immediately. state is returned unchanged.
func (s *Scheduler) OnCreated(id string, ref Ref, state any) any {
	if ref == nil {
		s.logger.Warn("ignoring registration without manager", "id", id)
		return state
	}

	s.mu.Lock()
	s.regs.set(id, ref)
	registered := s.regs.len()
	if s.timer == nil && !s.renewing {
		s.armLocked(0)
	}
	s.mu.Unlock()

	s.logger.Debug("manager registered", "id", id, "registered", registered)
	s.observer.ManagersChanged(registered)

	return state
}

// OnDestroyed drops the registration for id. Removing the last registration
// disarms the timer. state is returned unchanged.
func (s *Scheduler) OnDestroyed(id string, state any) any {
	s.mu.Lock()
	removed := s.regs.remove(id)
	registered := s.regs.len()
	if registered == 0 {
		s.disarmLocked()
	}
	s.mu.Unlock()

	if removed {
		s.logger.Debug("manager unregistered", "id", id, "registered", registered)
		s.observer.ManagersChanged(registered)
	}

	return state
}

// Close disarms the timer and clears all registrations. A cycle already in flight
// completes but its result is not distributed. Close is idempotent; the scheduler
// may be reused by registering managers again.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.disarmLocked()
	s.regs.clear()
	s.generation++
	s.mu.Unlock()

	s.observer.ManagersChanged(0)
}

// Refresh runs a renewal cycle now and returns the provider's result. If a cycle is
// already running, Refresh waits for it to finish first. The timer is rearmed from
// the outcome exactly as for a timer-driven cycle.
func (s *Scheduler) Refresh(ctx context.Context) (Token, error) {
	for {
		s.mu.Lock()
		if !s.renewing {
			s.disarmLocked()
			gen := s.beginLocked()
			s.mu.Unlock()
			return s.renew(ctx, gen)
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
}

// Stats returns current scheduler state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Registered: s.regs.len(),
		Armed:      s.timer != nil,
		Renewing:   s.renewing,
		Attempts:   s.attempts,
		ExpiresAt:  s.expiresAt,
	}
}

// NextDelay returns how long to wait before renewing a token expiring at expiresAt.
// The result is negative when the token is already inside the threshold, which
// AfterFunc treats as "fire now". A zero expiresAt yields 0.
func NextDelay(now, expiresAt time.Time, threshold time.Duration) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}

	until := expiresAt.Sub(now)
	if threshold > 0 && until < math.MinInt64+threshold {
		return math.MinInt64
	}
	return until - threshold
}

// fire runs the cycle for the timer identified by seq.
func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if s.timer == nil || seq != s.timerSeq || s.renewing {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	gen := s.beginLocked()
	s.mu.Unlock()

	s.renew(context.Background(), gen)
}

// renew performs one cycle: call the provider, fan out the outcome, rearm.
func (s *Scheduler) renew(ctx context.Context, gen uint64) (Token, error) {
	tok, err := s.callProvider(ctx)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("discarding renewal result after close")
		s.finish(gen, 0)
		return tok, err
	}

	if err != nil {
		return Token{}, s.failedLocked(gen, err)
	}

	s.attempts = 0
	s.expiresAt = tok.ExpiresAt
	managers, pruned := s.regs.live()
	registered := s.regs.len()
	s.mu.Unlock()

	for _, m := range managers {
		s.safeCall(func() { m.Authenticate(tok.Value) })
	}

	delay := NextDelay(s.clock.Now(), tok.ExpiresAt, s.cfg.RenewThreshold)
	s.finish(gen, delay)

	s.logger.Info("auth token renewed",
		"expires_at", tok.ExpiresAt,
		"managers", len(managers),
		"next_renewal_in", delay,
	)

	if pruned > 0 {
		s.observer.ManagersChanged(registered)
	}
	s.observer.RenewalSucceeded(tok.ExpiresAt, len(managers))

	return tok, nil
}

// failedLocked handles a provider failure. It is entered with s.mu held and
// returns with it released.
//
// The first MaxRetries consecutive failures are retried after RetryInterval. The
// next one is terminal: managers are told retries are exhausted and the following
// cycle runs at the normal cadence. The counter stays at MaxRetries+1 until a
// success, so a failure on that cycle is terminal again.
func (s *Scheduler) failedLocked(gen uint64, err error) error {
	if s.attempts <= s.cfg.MaxRetries {
		s.attempts++
	}
	rerr := &RenewalError{
		Attempt:  s.attempts,
		Terminal: s.attempts > s.cfg.MaxRetries,
		Err:      err,
	}
	expiresAt := s.expiresAt
	managers, pruned := s.regs.live()
	registered := s.regs.len()
	s.mu.Unlock()

	reason := err.Error()
	delay := s.cfg.RetryInterval
	if rerr.Terminal {
		reason = ErrMaxRetriesExceeded.Error()
		delay = s.cadenceAfterTerminal(expiresAt)
	}

	notice := fmt.Sprintf("[%s] error: %s", s.cfg.Name, reason)
	for _, m := range managers {
		s.safeCall(func() { m.Emit(EventError, notice) })
	}

	s.finish(gen, delay)

	s.logger.Warn("failed to renew auth token",
		"error", err,
		"attempt", rerr.Attempt,
		"terminal", rerr.Terminal,
		"managers", len(managers),
		"next_renewal_in", delay,
	)

	if pruned > 0 {
		s.observer.ManagersChanged(registered)
	}
	s.observer.RenewalFailed(rerr)

	return err
}

// cadenceAfterTerminal returns the delay of the cycle following a terminal failure.
// A previous token that is still outside the threshold keeps its schedule. Otherwise
// the cycle is paced as if a token had just been issued.
func (s *Scheduler) cadenceAfterTerminal(expiresAt time.Time) time.Duration {
	if delay := NextDelay(s.clock.Now(), expiresAt, s.cfg.RenewThreshold); delay > 0 {
		return delay
	}
	if fresh := s.cfg.TokenTTL - s.cfg.RenewThreshold; fresh > 0 {
		return fresh
	}
	return s.cfg.RetryInterval
}

// finish ends the cycle started at generation gen and rearms the timer if any
// manager is still registered. Registrations made after a Close are served
// immediately.
func (s *Scheduler) finish(gen uint64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.regs.len() > 0 {
		if gen != s.generation {
			delay = 0
		}
		s.armLocked(delay)
	}

	s.renewing = false
	close(s.idle)
}

// callProvider invokes the provider with the configured deadline and converts a
// panic into an error.
func (s *Scheduler) callProvider(ctx context.Context) (tok Token, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()

	return s.provider.Refresh(ctx)
}

// safeCall runs a manager callback, logging instead of propagating a panic.
func (s *Scheduler) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("manager callback panicked", "panic", r)
		}
	}()
	fn()
}

func (s *Scheduler) beginLocked() uint64 {
	s.renewing = true
	s.idle = make(chan struct{})
	return s.generation
}

func (s *Scheduler) armLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(seq) })
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}
