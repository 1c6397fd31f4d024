package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL               = "wss://www.deribit.com/ws/api/v2"
	DefaultPingInterval        = 15 * time.Second
	DefaultPingTimeout         = 60 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultReadLimit           = 16 << 20
	DefaultVenueBufferSize     = 10000
	DefaultGrant               = "client_signature"
	DefaultRefreshThreshold    = 3 * time.Minute
	DefaultCapacity            = 50
	DefaultRefillAmount        = 20
	DefaultRefillInterval      = 1 * time.Second
	DefaultCost                = 1
	DefaultRateLimitMode       = "normal"
	DefaultMaxQueue            = 100
	DefaultBackoffFactor       = 2
	DefaultMaxBackoff          = 8
	DefaultResetAfter          = 10 * time.Second
	DefaultRecoveryRate        = 0.5
	DefaultMaxAttempts         = 10
	DefaultReconnectBase       = 1 * time.Second
	DefaultReconnectMax        = 60 * time.Second
	DefaultCallTimeout         = 10 * time.Second
	DefaultLogoutTimeout       = 2 * time.Second
	DefaultSweepInterval       = 50 * time.Millisecond
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultSnapshotInterval    = 15 * time.Minute
	DefaultSnapshotConcurrency = 4
	DefaultSnapshotTimeout     = 10 * time.Second
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

// Deribit error classification defaults.
var (
	DefaultReauthCodes     = []int{13009}
	DefaultReauthMessages  = []string{"invalid_token", "token_expired", "unauthorized"}
	DefaultRejectCodes     = []int{10028}
	DefaultPrivatePrefixes = []string{"user."}
)

func (c *Config) applyDefaults() {
	// Venue defaults
	if c.Venue.WSURL == "" {
		c.Venue.WSURL = DefaultWSURL
	}
	if c.Venue.PingInterval == 0 {
		c.Venue.PingInterval = DefaultPingInterval
	}
	if c.Venue.PingTimeout == 0 {
		c.Venue.PingTimeout = DefaultPingTimeout
	}
	if c.Venue.WriteTimeout == 0 {
		c.Venue.WriteTimeout = DefaultWriteTimeout
	}
	if c.Venue.HandshakeTimeout == 0 {
		c.Venue.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Venue.ReadLimit == 0 {
		c.Venue.ReadLimit = DefaultReadLimit
	}
	if c.Venue.BufferSize == 0 {
		c.Venue.BufferSize = DefaultVenueBufferSize
	}

	// Auth defaults
	if c.Auth.Grant == "" {
		c.Auth.Grant = DefaultGrant
	}
	if c.Auth.RefreshThreshold == 0 {
		c.Auth.RefreshThreshold = DefaultRefreshThreshold
	}
	if len(c.Auth.ReauthCodes) == 0 {
		c.Auth.ReauthCodes = append([]int(nil), DefaultReauthCodes...)
	}
	if len(c.Auth.ReauthMessages) == 0 {
		c.Auth.ReauthMessages = append([]string(nil), DefaultReauthMessages...)
	}

	applyRateLimitDefaults(&c.RateLimit)

	// Reconnect defaults
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMax
	}

	// RPC defaults
	if c.RPC.CallTimeout == 0 {
		c.RPC.CallTimeout = DefaultCallTimeout
	}
	if c.RPC.LogoutTimeout == 0 {
		c.RPC.LogoutTimeout = DefaultLogoutTimeout
	}
	if c.RPC.SweepInterval == 0 {
		c.RPC.SweepInterval = DefaultSweepInterval
	}
	if c.RPC.HeartbeatInterval == 0 {
		c.RPC.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RPC.RetryRateLimited == nil {
		retry := true
		c.RPC.RetryRateLimited = &retry
	}
	if len(c.RPC.PrivatePrefixes) == 0 {
		c.RPC.PrivatePrefixes = append([]string(nil), DefaultPrivatePrefixes...)
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Snapshot defaults
	if c.Snapshots.Interval == 0 {
		c.Snapshots.Interval = DefaultSnapshotInterval
	}
	if c.Snapshots.Concurrency == 0 {
		c.Snapshots.Concurrency = DefaultSnapshotConcurrency
	}
	if c.Snapshots.Timeout == 0 {
		c.Snapshots.Timeout = DefaultSnapshotTimeout
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
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

func applyRateLimitDefaults(rl *RateLimitConfig) {
	if rl.Capacity == 0 {
		rl.Capacity = DefaultCapacity
	}
	if rl.RefillAmount == 0 {
		rl.RefillAmount = DefaultRefillAmount
	}
	if rl.RefillInterval == 0 {
		rl.RefillInterval = DefaultRefillInterval
	}
	if rl.DefaultCost == 0 {
		rl.DefaultCost = DefaultCost
	}
	if rl.Mode == "" {
		rl.Mode = DefaultRateLimitMode
	}
	if rl.MaxQueue == 0 {
		rl.MaxQueue = DefaultMaxQueue
	}
	if rl.BackoffFactor == 0 {
		rl.BackoffFactor = DefaultBackoffFactor
	}
	if rl.MaxBackoff == 0 {
		rl.MaxBackoff = DefaultMaxBackoff
	}
	if rl.ResetAfter == 0 {
		rl.ResetAfter = DefaultResetAfter
	}
	if rl.RecoveryRate == 0 {
		rl.RecoveryRate = DefaultRecoveryRate
	}
	if len(rl.RejectCodes) == 0 {
		rl.RejectCodes = append([]int(nil), DefaultRejectCodes...)
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

// Defaults returns a config with every default applied, for tools that run
// without a config file.
func Defaults(instanceID string) *Config {
	cfg := &Config{Instance: InstanceConfig{ID: instanceID}}
	cfg.applyDefaults()
	return cfg
}
