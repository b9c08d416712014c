package config

import "time"

// RenewerConfig is the root configuration for a token renewer instance.
type RenewerConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	API         APIConfig         `yaml:"api"`
	Token       TokenConfig       `yaml:"token"`
	Renewal     RenewalConfig     `yaml:"renewal"`
	Connections ConnectionsConfig `yaml:"connections"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this renewer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds Bitfinex API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"` // Inline, or "file:<path>"
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"` // Token requests per second
	RateBurst  int           `yaml:"rate_burst"`
}

// TokenConfig controls the issued tokens.
type TokenConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	Caps            []string      `yaml:"caps"`
	WritePermission *bool         `yaml:"write_permission"` // nil means true
	Scope           string        `yaml:"scope"`
}

// RenewalConfig holds scheduler settings.
type RenewalConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RenewThreshold time.Duration `yaml:"renew_threshold"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// ConnectionsConfig holds WebSocket pool settings.
type ConnectionsConfig struct {
	Count              int           `yaml:"count"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// JournalConfig holds renewal journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// WritePermissionEnabled reports whether tokens are issued with write permission.
func (t TokenConfig) WritePermissionEnabled() bool {
	return t.WritePermission == nil || *t.WritePermission
}
