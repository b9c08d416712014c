package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TokenPath is the token generation endpoint.
const TokenPath = "/v2/auth/w/token"

// Token defaults.
const (
	DefaultTokenTTL   = 24 * time.Hour
	DefaultTokenScope = "api"
)

// DefaultTokenCaps grants account, orders and wallets access.
var DefaultTokenCaps = []string{"a", "o", "w"}

// TokenOptions controls the tokens issued by GenerateToken.
type TokenOptions struct {
	Scope           string
	WritePermission bool
	TTL             time.Duration // Sent in whole seconds
	Caps            []string      // Any of a, o, f, s, w, wd
}

// DefaultTokenOptions returns the options used when none are configured.
func DefaultTokenOptions() TokenOptions {
	return TokenOptions{
		Scope:           DefaultTokenScope,
		WritePermission: true,
		TTL:             DefaultTokenTTL,
		Caps:            append([]string(nil), DefaultTokenCaps...),
	}
}

// tokenRequest is the POST body for TokenPath.
type tokenRequest struct {
	Scope           string   `json:"scope"`
	WritePermission bool     `json:"writePermission"`
	TTL             int64    `json:"ttl"`
	Caps            []string `json:"caps"`
}

// GenerateToken issues a new WebSocket auth token.
func (c *Client) GenerateToken(ctx context.Context, opts TokenOptions) (string, error) {
	if opts.TTL < time.Second {
		return "", fmt.Errorf("token ttl must be at least 1s, got %v", opts.TTL)
	}

	req := tokenRequest{
		Scope:           opts.Scope,
		WritePermission: opts.WritePermission,
		TTL:             int64(opts.TTL / time.Second),
		Caps:            opts.Caps,
	}
	if req.Scope == "" {
		req.Scope = DefaultTokenScope
	}
	if req.Caps == nil {
		req.Caps = []string{}
	}

	var resp []json.RawMessage
	if err := c.post(ctx, TokenPath, req, &resp); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	if len(resp) == 0 {
		return "", errors.New("generate token: empty response")
	}

	var token string
	if err := json.Unmarshal(resp[0], &token); err != nil || token == "" {
		return "", fmt.Errorf("generate token: unexpected response %s", resp[0])
	}

	return token, nil
}
