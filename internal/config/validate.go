package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var validCaps = map[string]bool{"a": true, "o": true, "f": true, "s": true, "w": true, "wd": true}

// Validate checks that all required fields are set and values are valid.
func (c *RenewerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.APIKey == "" {
		return errors.New("api.api_key is required")
	}
	if c.API.APISecret == "" {
		return errors.New("api.api_secret is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}

	if c.Token.TTL < time.Second {
		return fmt.Errorf("token.ttl must be at least 1s, got %v", c.Token.TTL)
	}
	for _, capability := range c.Token.Caps {
		if !validCaps[capability] {
			return fmt.Errorf("token.caps: unknown capability %q", capability)
		}
	}

	if c.Renewal.MaxRetries < 1 {
		return errors.New("renewal.max_retries must be >= 1")
	}
	if c.Renewal.RetryInterval <= 0 {
		return errors.New("renewal.retry_interval must be > 0")
	}
	if c.Renewal.RenewThreshold <= 0 {
		return errors.New("renewal.renew_threshold must be > 0")
	}
	if c.Renewal.RenewThreshold >= c.Token.TTL {
		return fmt.Errorf("renewal.renew_threshold (%v) must be less than token.ttl (%v)", c.Renewal.RenewThreshold, c.Token.TTL)
	}

	if c.Connections.Count < 0 {
		return errors.New("connections.count must be >= 0")
	}
	if c.Connections.ReconnectMaxDelay < c.Connections.ReconnectBaseDelay {
		return errors.New("connections.reconnect_max_delay cannot be less than reconnect_base_delay")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
