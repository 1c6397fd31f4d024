package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	u, err := url.Parse(c.Venue.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("venue.ws_url must be a ws:// or wss:// URL, got %q", c.Venue.WSURL)
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if err := c.RateLimit.validate(); err != nil {
		return err
	}

	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}

	if c.RPC.CallTimeout <= 0 {
		return errors.New("rpc.call_timeout must be > 0")
	}
	if c.RPC.HeartbeatInterval < 0 {
		return errors.New("rpc.heartbeat_interval must be >= 0")
	}

	for _, ch := range c.Subscriptions.Channels {
		if strings.TrimSpace(ch) == "" {
			return errors.New("subscriptions.channels cannot contain empty names")
		}
	}

	for _, inst := range c.Snapshots.Instruments {
		if strings.TrimSpace(inst) == "" {
			return errors.New("snapshots.instruments cannot contain empty names")
		}
	}
	if c.Snapshots.Depth < 0 {
		return fmt.Errorf("snapshots.depth must be >= 0, got %d", c.Snapshots.Depth)
	}
	if c.Snapshots.Interval < 0 || c.Snapshots.Timeout < 0 {
		return errors.New("snapshots.interval and snapshots.timeout must be >= 0")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
		if c.Writer.BufferSize < 1 {
			return errors.New("writer.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	return nil
}

func (a *AuthConfig) validate() error {
	switch a.Grant {
	case "client_credentials", "client_signature":
	default:
		return fmt.Errorf("auth.grant must be client_credentials or client_signature, got %q", a.Grant)
	}
	if a.ClientSecret != "" && a.SecretPath != "" {
		return errors.New("auth.client_secret and auth.secret_path are mutually exclusive")
	}
	if a.ClientID == "" && (a.ClientSecret != "" || a.SecretPath != "") {
		return errors.New("auth.client_id is required when a secret is configured")
	}
	if a.AuthenticateOnConnect && a.ClientID == "" {
		return errors.New("auth.authenticate_on_connect requires auth.client_id")
	}
	if a.RefreshThreshold < 0 {
		return errors.New("auth.refresh_threshold must be >= 0")
	}
	return nil
}

func (rl *RateLimitConfig) validate() error {
	if rl.Capacity <= 0 {
		return errors.New("rate_limit.capacity must be > 0")
	}
	if rl.RefillAmount < 0 {
		return errors.New("rate_limit.refill_amount must be >= 0")
	}
	switch rl.Mode {
	case "cautious", "normal", "aggressive":
	default:
		return fmt.Errorf("rate_limit.mode must be cautious, normal or aggressive, got %q", rl.Mode)
	}
	for class, cost := range rl.Costs {
		if cost < 0 {
			return fmt.Errorf("rate_limit.costs.%s must be >= 0", class)
		}
	}
	if rl.BackoffFactor < 1 {
		return errors.New("rate_limit.backoff_factor must be >= 1")
	}
	if rl.MaxBackoff < 1 {
		return errors.New("rate_limit.max_backoff must be >= 1")
	}
	if rl.RecoveryRate <= 0 || rl.RecoveryRate > 1 {
		return fmt.Errorf("rate_limit.recovery_rate must be in (0, 1], got %g", rl.RecoveryRate)
	}
	return nil
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
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
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
