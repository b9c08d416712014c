package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

// ErrInsufficientPermissions replaces the venue's caps policy error with an
// actionable message.
var ErrInsufficientPermissions = errors.New(`The given API key does not have the required permissions, please make sure to enable "get" and "create" capacities for "Account", "Orders", and "Wallets"`)

const capsPolicyInvalid = "ERR_TOKEN_CAPS_POLICY_INVALID"

// DefaultRateLimit bounds token requests to one per second with a small burst.
const (
	DefaultRateLimit = rate.Limit(1)
	DefaultRateBurst = 3
)

// DefaultRequestTimeout bounds a shared token request.
const DefaultRequestTimeout = 30 * time.Second

// TokenProvider issues tokens through a Client. Concurrent Refresh calls share
// one request, and requests are rate limited.
type TokenProvider struct {
	client  *Client
	opts    TokenOptions
	limiter *rate.Limiter
	group   singleflight.Group
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// ProviderOption configures a TokenProvider.
type ProviderOption func(*TokenProvider)

// WithRateLimit sets the request rate limit. A non-positive limit disables it.
func WithRateLimit(limit rate.Limit, burst int) ProviderOption {
	return func(p *TokenProvider) {
		if limit <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithRequestTimeout bounds each shared token request, independently of the
// contexts of the callers waiting on it.
func WithRequestTimeout(d time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithNow sets the time source used to compute expiry.
func WithNow(now func() time.Time) ProviderOption {
	return func(p *TokenProvider) {
		p.now = now
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *TokenProvider) {
		p.logger = logger
	}
}

// NewTokenProvider creates a provider issuing tokens with opts. Zero TTL and
// scope take their defaults.
func NewTokenProvider(client *Client, opts TokenOptions, popts ...ProviderOption) *TokenProvider {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.Scope == "" {
		opts.Scope = DefaultTokenScope
	}

	p := &TokenProvider{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		timeout: DefaultRequestTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}

	for _, o := range popts {
		o(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// Refresh issues a token. ExpiresAt is the time the response arrived plus the
// configured TTL. Cancelling ctx abandons the wait but not the request, which
// other callers may share.
func (p *TokenProvider) Refresh(ctx context.Context) (renewal.Token, error) {
	ch := p.group.DoChan("token", func() (any, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.generate(reqCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return renewal.Token{}, res.Err
		}
		if res.Shared {
			p.logger.Debug("shared in-flight token request")
		}
		return res.Val.(renewal.Token), nil
	case <-ctx.Done():
		return renewal.Token{}, ctx.Err()
	}
}

func (p *TokenProvider) generate(ctx context.Context) (renewal.Token, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return renewal.Token{}, fmt.Errorf("wait for rate limit: %w", err)
	}

	value, err := p.client.GenerateToken(ctx, p.opts)
	if err != nil {
		if strings.Contains(err.Error(), capsPolicyInvalid) {
			return renewal.Token{}, ErrInsufficientPermissions
		}
		return renewal.Token{}, err
	}

	return renewal.Token{
		Value:     value,
		ExpiresAt: p.now().Add(p.opts.TTL),
	}, nil
}

var _ renewal.Provider = (*TokenProvider)(nil)
