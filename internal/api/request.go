package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrNoCredentials is returned when an authenticated call is made without a key pair.
var ErrNoCredentials = errors.New("api credentials not configured")

// Venue error codes the client treats specially.
const (
	codeRateLimit = 11010
)

// APIError represents an error from the Bitfinex API.
//
// Venue errors arrive as ["error", <code>, "<message>"]; Code and Message are
// taken from that array when present, otherwise Message is the HTTP status text.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bitfinex api error %d (%d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bitfinex api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry. Errors the venue
// reported explicitly are final, except rate limiting.
func (e *APIError) IsRetryable() bool {
	if e.Code != 0 {
		return e.Code == codeRateLimit
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// parseAPIError builds an APIError from a failed response.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Message:    http.StatusText(status),
		Body:       body,
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) < 3 {
		return apiErr
	}

	var kind, msg string
	var code int
	if json.Unmarshal(arr[0], &kind) != nil || kind != "error" {
		return apiErr
	}
	if json.Unmarshal(arr[1], &code) == nil {
		apiErr.Code = code
	}
	if json.Unmarshal(arr[2], &msg) == nil && msg != "" {
		apiErr.Message = msg
	}

	return apiErr
}

// doRequest performs a signed POST of payload to path.
func (c *Client) doRequest(ctx context.Context, path string, payload []byte) ([]byte, error) {
	if c.creds == nil {
		return nil, ErrNoCredentials
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range c.creds.SignRequest(path, payload) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return body, nil
}

// doWithRetry performs a request with exponential backoff retry. Each attempt
// is signed with a fresh nonce.
func (c *Client) doWithRetry(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff
			if backoff > 0 {
				jitter = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			}
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, path, payload)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post performs an authenticated POST with retries and decodes the response.
func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.doWithRetry(ctx, path, data)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
