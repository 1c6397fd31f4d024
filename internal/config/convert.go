package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/poller"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
	"github.com/rickgao/deribit-session/internal/session"
)

// Session returns the session engine configuration.
func (c *Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.Classifier = rpc.Classifier{
		ReauthCodes:    append([]int(nil), c.Auth.ReauthCodes...),
		ReauthMessages: append([]string(nil), c.Auth.ReauthMessages...),
		RateLimitCodes: append([]int(nil), c.RateLimit.RejectCodes...),
	}
	cfg.PrivatePrefixes = append([]string(nil), c.RPC.PrivatePrefixes...)
	cfg.CallTimeout = c.RPC.CallTimeout
	cfg.LogoutTimeout = c.RPC.LogoutTimeout
	cfg.SweepInterval = c.RPC.SweepInterval
	cfg.RefreshThreshold = c.Auth.RefreshThreshold
	cfg.HeartbeatInterval = c.RPC.HeartbeatInterval
	cfg.AuthenticateOnConnect = c.Auth.AuthenticateOnConnect
	if c.RPC.RetryRateLimited != nil {
		cfg.RetryRateLimited = *c.RPC.RetryRateLimited
	}

	// A negative max_attempts means retry forever.
	attempts := c.Reconnect.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	cfg.Reconnect = session.ReconnectConfig{
		MaxAttempts: attempts,
		BaseWait:    c.Reconnect.BaseDelay,
		MaxWait:     c.Reconnect.MaxDelay,
	}
	return cfg
}

// Limiter returns the token bucket configuration.
func (c *Config) Limiter() ratelimit.Config {
	rl := c.RateLimit
	costs := ratelimit.DefaultCosts()
	for class, cost := range rl.Costs {
		costs[ratelimit.Class(class)] = cost
	}
	return ratelimit.Config{
		Capacity:       rl.Capacity,
		RefillAmount:   rl.RefillAmount,
		RefillInterval: rl.RefillInterval,
		Costs:          costs,
		DefaultCost:    rl.DefaultCost,
		Mode:           ratelimit.Mode(rl.Mode),
		MaxQueue:       rl.MaxQueue,
		FailFast:       rl.FailFast,
		BackoffFactor:  rl.BackoffFactor,
		MaxBackoff:     rl.MaxBackoff,
		ResetAfter:     rl.ResetAfter,
		RecoveryRate:   rl.RecoveryRate,
	}
}

// Client returns the transport configuration. userAgent is used when the
// venue section does not set one.
func (c *Config) Client(userAgent string) connection.ClientConfig {
	v := c.Venue
	if v.UserAgent != "" {
		userAgent = v.UserAgent
	}
	return connection.ClientConfig{
		URL:              v.WSURL,
		UserAgent:        userAgent,
		PingInterval:     v.PingInterval,
		PingTimeout:      v.PingTimeout,
		WriteTimeout:     v.WriteTimeout,
		HandshakeTimeout: v.HandshakeTimeout,
		ReadLimit:        v.ReadLimit,
		BufferSize:       v.BufferSize,
	}
}

// Credentials resolves the configured credentials. It returns nil when no
// client ID is configured, which leaves the session public-only.
func (c *Config) Credentials() (*auth.Credentials, error) {
	a := c.Auth
	if a.ClientID == "" {
		return nil, nil
	}

	var creds *auth.Credentials
	switch {
	case a.SecretPath != "":
		loaded, err := auth.LoadCredentials(a.ClientID, a.SecretPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		creds = loaded
	case a.ClientSecret != "":
		creds = &auth.Credentials{ClientID: a.ClientID, ClientSecret: a.ClientSecret}
	default:
		return nil, fmt.Errorf("%w: set auth.secret_path or auth.client_secret", auth.ErrMissingSecret)
	}

	creds.Grant = auth.Grant(a.Grant)
	creds.Scope = a.Scope
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// SlogLevel parses the configured log level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
}

// NewLogger builds the slog logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Poller returns the snapshot poller configuration.
func (c *Config) Poller() poller.Config {
	s := c.Snapshots
	return poller.Config{
		Instruments: append([]string(nil), s.Instruments...),
		Interval:    s.Interval,
		Depth:       s.Depth,
		Concurrency: s.Concurrency,
		Timeout:     s.Timeout,
	}
}
