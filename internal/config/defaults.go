package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "https://api.bitfinex.com"
	DefaultWSURL              = "wss://api.bitfinex.com/ws/2"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRateLimit          = 1.0
	DefaultRateBurst          = 3
	DefaultTokenTTL           = 24 * time.Hour
	DefaultTokenScope         = "api"
	DefaultRenewalRetries     = 3
	DefaultRetryInterval      = 30 * time.Second
	DefaultRenewThreshold     = 1 * time.Hour
	DefaultRefreshTimeout     = 30 * time.Second
	DefaultConnectionCount    = 1
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBuffer      = 1000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// DefaultTokenCaps grants account, orders and wallets access.
var DefaultTokenCaps = []string{"a", "o", "w"}

func (c *RenewerConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultRateLimit
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}

	// Token defaults
	if c.Token.TTL == 0 {
		c.Token.TTL = DefaultTokenTTL
	}
	if c.Token.Caps == nil {
		c.Token.Caps = append([]string(nil), DefaultTokenCaps...)
	}
	if c.Token.Scope == "" {
		c.Token.Scope = DefaultTokenScope
	}

	// Renewal defaults
	if c.Renewal.MaxRetries == 0 {
		c.Renewal.MaxRetries = DefaultRenewalRetries
	}
	if c.Renewal.RetryInterval == 0 {
		c.Renewal.RetryInterval = DefaultRetryInterval
	}
	if c.Renewal.RenewThreshold == 0 {
		c.Renewal.RenewThreshold = DefaultRenewThreshold
	}
	if c.Renewal.RefreshTimeout == 0 {
		c.Renewal.RefreshTimeout = DefaultRefreshTimeout
	}

	// Connections defaults
	if c.Connections.Count == 0 {
		c.Connections.Count = DefaultConnectionCount
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultBufferSize
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
