// Package auth provides Bitfinex API authentication using HMAC-SHA384 signatures.
package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Header names sent on authenticated REST requests.
const (
	HeaderNonce     = "bfx-nonce"
	HeaderAPIKey    = "bfx-apikey"
	HeaderSignature = "bfx-signature"
)

// Credentials holds the API key pair used for signing requests.
type Credentials struct {
	APIKey    string
	APISecret string

	once   sync.Once
	nonces *NonceSource
}

// LoadCredentials builds credentials from a key and a secret. The secret may be
// given inline or, when prefixed with "file:", read from a file.
func LoadCredentials(apiKey, apiSecret string) (*Credentials, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if apiSecret == "" {
		return nil, fmt.Errorf("API secret is required")
	}

	if path, ok := strings.CutPrefix(apiSecret, "file:"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		apiSecret = strings.TrimSpace(string(data))
		if apiSecret == "" {
			return nil, fmt.Errorf("secret file %s is empty", path)
		}
	}

	return &Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, nil
}

// SignRequest generates authentication headers for an authenticated REST call.
// path is the versioned endpoint path (e.g. "/v2/auth/w/token"), body the exact
// request body that will be sent.
func (c *Credentials) SignRequest(path string, body []byte) map[string]string {
	nonce := c.nonceSource().Next()

	return map[string]string{
		HeaderNonce:     nonce,
		HeaderAPIKey:    c.APIKey,
		HeaderSignature: c.generateSignature(path, nonce, body),
	}
}

// generateSignature creates the hex HMAC-SHA384 of the signing payload.
// Message format: "/api" + path + nonce + body
func (c *Credentials) generateSignature(path, nonce string, body []byte) string {
	mac := hmac.New(sha512.New384, []byte(c.APISecret))
	mac.Write([]byte("/api" + path + nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Credentials) nonceSource() *NonceSource {
	c.once.Do(func() {
		if c.nonces == nil {
			c.nonces = &NonceSource{}
		}
	})
	return c.nonces
}

// NonceSource issues strictly increasing nonces derived from the wall clock in
// microseconds. Safe for concurrent use.
type NonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// Next returns the next nonce.
func (n *NonceSource) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now
	if n.now != nil {
		now = n.now
	}

	v := now().UnixMicro()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return strconv.FormatInt(v, 10)
}
