// Package config loads the session daemon's YAML configuration.
package config

import "time"

// Config is the top-level configuration for a session daemon.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Venue         VenueConfig         `yaml:"venue"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	RPC           RPCConfig           `yaml:"rpc"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Snapshots     SnapshotsConfig     `yaml:"snapshots"`
	Database      DBConfig            `yaml:"database"`
	Writer        WriterConfig        `yaml:"writer"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// VenueConfig holds the venue endpoint and transport settings.
type VenueConfig struct {
	WSURL            string        `yaml:"ws_url"`
	UserAgent        string        `yaml:"user_agent"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	BufferSize       int           `yaml:"buffer_size"`
}

// AuthConfig holds credential sources and auth lifecycle settings.
type AuthConfig struct {
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"` // Prefer secret_path
	SecretPath            string        `yaml:"secret_path"`
	Grant                 string        `yaml:"grant"`
	Scope                 string        `yaml:"scope"`
	AuthenticateOnConnect bool          `yaml:"authenticate_on_connect"`
	RefreshThreshold      time.Duration `yaml:"refresh_threshold"`
	ReauthCodes           []int         `yaml:"reauth_codes"`
	ReauthMessages        []string      `yaml:"reauth_messages"`
}

// RateLimitConfig configures the client-side token bucket.
type RateLimitConfig struct {
	Capacity       float64            `yaml:"capacity"`
	RefillAmount   float64            `yaml:"refill_amount"`
	RefillInterval time.Duration      `yaml:"refill_interval"`
	Costs          map[string]float64 `yaml:"costs"`
	DefaultCost    float64            `yaml:"default_cost"`
	Mode           string             `yaml:"mode"`
	MaxQueue       int                `yaml:"max_queue"`
	FailFast       bool               `yaml:"fail_fast"`
	BackoffFactor  float64            `yaml:"backoff_factor"`
	MaxBackoff     float64            `yaml:"max_backoff"`
	ResetAfter     time.Duration      `yaml:"reset_after"`
	RecoveryRate   float64            `yaml:"recovery_rate"`
	RejectCodes    []int              `yaml:"reject_codes"`
}

// ReconnectConfig bounds reconnection.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RPCConfig holds request/response settings.
type RPCConfig struct {
	CallTimeout       time.Duration `yaml:"call_timeout"`
	LogoutTimeout     time.Duration `yaml:"logout_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryRateLimited  *bool         `yaml:"retry_rate_limited"`
	PrivatePrefixes   []string      `yaml:"private_prefixes"`
}

// SubscriptionsConfig lists the channels subscribed at startup.
type SubscriptionsConfig struct {
	Channels []string `yaml:"channels"`
}

// SnapshotsConfig configures periodic order book snapshots. No instruments
// disables the poller.
type SnapshotsConfig struct {
	Instruments []string      `yaml:"instruments"`
	Interval    time.Duration `yaml:"interval"`
	Depth       int           `yaml:"depth"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DBConfig holds connection settings for the notification store.
// An empty Host disables persistence.
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

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
