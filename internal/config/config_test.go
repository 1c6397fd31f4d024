package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/ratelimit"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-session
venue:
  ws_url: wss://test.deribit.com/ws/api/v2
  ping_interval: 5s
auth:
  client_id: abc
  grant: client_credentials
  authenticate_on_connect: true
rate_limit:
  mode: cautious
  costs:
    order: 3
subscriptions:
  channels:
    - book.BTC-PERPETUAL.100ms
    - user.orders.any.any.raw
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-session" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-session")
	}
	if cfg.Venue.WSURL != "wss://test.deribit.com/ws/api/v2" {
		t.Errorf("Venue.WSURL = %q", cfg.Venue.WSURL)
	}
	if cfg.Venue.PingInterval != 5*time.Second {
		t.Errorf("Venue.PingInterval = %v, want 5s", cfg.Venue.PingInterval)
	}
	if !cfg.Auth.AuthenticateOnConnect {
		t.Error("Auth.AuthenticateOnConnect = false, want true")
	}
	if cfg.RateLimit.Costs["order"] != 3 {
		t.Errorf("RateLimit.Costs[order] = %v, want 3", cfg.RateLimit.Costs["order"])
	}
	if len(cfg.Subscriptions.Channels) != 2 {
		t.Errorf("Subscriptions.Channels = %v", cfg.Subscriptions.Channels)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want ErrNotExist", err)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "secret123")
	t.Setenv("TEST_DB_PASSWORD", "dbpass")

	yaml := `
instance:
  id: test-session
auth:
  client_id: abc
  client_secret: ${TEST_CLIENT_SECRET}
database:
  host: localhost
  name: notifications
  user: testuser
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.ClientSecret != "secret123" {
		t.Errorf("Auth.ClientSecret = %q, want %q", cfg.Auth.ClientSecret, "secret123")
	}
	if cfg.Database.Password != "dbpass" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "dbpass")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-session
database:
  host: localhost
  name: notifications
  user: testuser
  password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Venue.WSURL != DefaultWSURL {
		t.Errorf("Venue.WSURL = %q, want default %q", cfg.Venue.WSURL, DefaultWSURL)
	}
	if cfg.Auth.RefreshThreshold != DefaultRefreshThreshold {
		t.Errorf("Auth.RefreshThreshold = %v, want default %v", cfg.Auth.RefreshThreshold, DefaultRefreshThreshold)
	}
	if len(cfg.Auth.ReauthCodes) != 1 || cfg.Auth.ReauthCodes[0] != 13009 {
		t.Errorf("Auth.ReauthCodes = %v, want [13009]", cfg.Auth.ReauthCodes)
	}
	if len(cfg.RateLimit.RejectCodes) != 1 || cfg.RateLimit.RejectCodes[0] != 10028 {
		t.Errorf("RateLimit.RejectCodes = %v, want [10028]", cfg.RateLimit.RejectCodes)
	}
	if cfg.RPC.RetryRateLimited == nil || !*cfg.RPC.RetryRateLimited {
		t.Error("RPC.RetryRateLimited not defaulted to true")
	}
	if cfg.Database.Port != DefaultDBPort {
		t.Errorf("Database.Port = %d, want default %d", cfg.Database.Port, DefaultDBPort)
	}
	if cfg.Database.MaxConns != DefaultMaxConns {
		t.Errorf("Database.MaxConns = %d, want default %d", cfg.Database.MaxConns, DefaultMaxConns)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
}

func TestLoadKeepsExplicitFalse(t *testing.T) {
	yaml := `
instance:
  id: test-session
rpc:
  retry_rate_limited: false
`
	cfg, err := LoadWithDefaults(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Session().RetryRateLimited {
		t.Error("explicit retry_rate_limited: false overridden by default")
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "venue:\n  ws_url: https://example.com\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate succeeded without instance.id")
	}
	if err.Error() != "validate config: instance.id is required" {
		t.Errorf("error = %q", err.Error())
	}
}

func validConfig() Config {
	cfg := Config{Instance: InstanceConfig{ID: "test"}}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "non websocket url",
			mutate:  func(c *Config) { c.Venue.WSURL = "https://www.deribit.com" },
			wantErr: `venue.ws_url must be a ws:// or wss:// URL, got "https://www.deribit.com"`,
		},
		{
			name:    "unknown grant",
			mutate:  func(c *Config) { c.Auth.Grant = "password" },
			wantErr: `auth.grant must be client_credentials or client_signature, got "password"`,
		},
		{
			name: "both secret sources",
			mutate: func(c *Config) {
				c.Auth.ClientID = "abc"
				c.Auth.ClientSecret = "s"
				c.Auth.SecretPath = "/run/secret"
			},
			wantErr: "auth.client_secret and auth.secret_path are mutually exclusive",
		},
		{
			name:    "authenticate without client id",
			mutate:  func(c *Config) { c.Auth.AuthenticateOnConnect = true },
			wantErr: "auth.authenticate_on_connect requires auth.client_id",
		},
		{
			name:    "unknown rate limit mode",
			mutate:  func(c *Config) { c.RateLimit.Mode = "reckless" },
			wantErr: `rate_limit.mode must be cautious, normal or aggressive, got "reckless"`,
		},
		{
			name:    "negative cost",
			mutate:  func(c *Config) { c.RateLimit.Costs = map[string]float64{"order": -1} },
			wantErr: "rate_limit.costs.order must be >= 0",
		},
		{
			name:    "recovery rate out of range",
			mutate:  func(c *Config) { c.RateLimit.RecoveryRate = 2 },
			wantErr: "rate_limit.recovery_rate must be in (0, 1], got 2",
		},
		{
			name: "max delay below base delay",
			mutate: func(c *Config) {
				c.Reconnect.BaseDelay = time.Minute
				c.Reconnect.MaxDelay = time.Second
			},
			wantErr: "reconnect.max_delay (1s) cannot be less than base_delay (1m0s)",
		},
		{
			name:    "empty channel",
			mutate:  func(c *Config) { c.Subscriptions.Channels = []string{"trades.BTC-PERPETUAL.raw", " "} },
			wantErr: "subscriptions.channels cannot contain empty names",
		},
		{
			name:    "missing database password",
			mutate:  func(c *Config) { c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 1} },
			wantErr: "database.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "empty snapshot instrument",
			mutate:  func(c *Config) { c.Snapshots.Instruments = []string{""} },
			wantErr: "snapshots.instruments cannot contain empty names",
		},
		{
			name:    "negative snapshot depth",
			mutate:  func(c *Config) { c.Snapshots.Depth = -1 },
			wantErr: "snapshots.depth must be >= 0, got -1",
		},
		{
			name:    "bad metrics port",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: `logging.level must be debug, info, warn or error, got "loud"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "valid config with database",
			mutate: func(c *Config) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2}
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestSession(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.AuthenticateOnConnect = true
	cfg.Auth.ReauthCodes = []int{1, 2}
	cfg.Reconnect.MaxAttempts = -1
	cfg.RPC.PrivatePrefixes = []string{"user.", "account."}

	sc := cfg.Session()
	if !sc.AuthenticateOnConnect {
		t.Error("AuthenticateOnConnect not carried over")
	}
	if len(sc.Classifier.ReauthCodes) != 2 || sc.Classifier.RateLimitCodes[0] != 10028 {
		t.Errorf("Classifier = %+v", sc.Classifier)
	}
	if sc.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 0 (unlimited)", sc.Reconnect.MaxAttempts)
	}
	if sc.Reconnect.BaseWait != DefaultReconnectBase || sc.Reconnect.MaxWait != DefaultReconnectMax {
		t.Errorf("Reconnect = %+v", sc.Reconnect)
	}
	if len(sc.PrivatePrefixes) != 2 {
		t.Errorf("PrivatePrefixes = %v", sc.PrivatePrefixes)
	}
	if sc.Methods.Auth != "public/auth" {
		t.Errorf("Methods.Auth = %q, want public/auth", sc.Methods.Auth)
	}
}

func TestLimiter(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Mode = "aggressive"
	cfg.RateLimit.Costs = map[string]float64{"order": 5}

	lc := cfg.Limiter()
	if lc.Mode != ratelimit.ModeAggressive {
		t.Errorf("Mode = %q", lc.Mode)
	}
	if lc.Costs[ratelimit.ClassOrder] != 5 {
		t.Errorf("order cost = %v, want 5", lc.Costs[ratelimit.ClassOrder])
	}
	if lc.Costs[ratelimit.ClassHighPriority] != 0 || lc.Costs[ratelimit.ClassQuery] != 1 {
		t.Errorf("default costs lost: %v", lc.Costs)
	}
	if lc.Capacity != DefaultCapacity {
		t.Errorf("Capacity = %v, want %v", lc.Capacity, DefaultCapacity)
	}
}

func TestClient(t *testing.T) {
	cfg := validConfig()
	if got := cfg.Client("agent/1").UserAgent; got != "agent/1" {
		t.Errorf("UserAgent = %q, want fallback", got)
	}
	cfg.Venue.UserAgent = "custom"
	cc := cfg.Client("agent/1")
	if cc.UserAgent != "custom" || cc.URL != DefaultWSURL || cc.ReadLimit != DefaultReadLimit {
		t.Errorf("Client = %+v", cc)
	}
}

func TestCredentials(t *testing.T) {
	secretPath := writeTempFile(t, "file-secret\n")

	tests := []struct {
		name       string
		auth       AuthConfig
		wantNil    bool
		wantSecret string
		wantErr    error
	}{
		{name: "public only", auth: AuthConfig{Grant: "client_signature"}, wantNil: true},
		{name: "inline secret", auth: AuthConfig{ClientID: "id", ClientSecret: "inline", Grant: "client_credentials"}, wantSecret: "inline"},
		{name: "secret file", auth: AuthConfig{ClientID: "id", SecretPath: secretPath, Grant: "client_signature"}, wantSecret: "file-secret"},
		{name: "no secret", auth: AuthConfig{ClientID: "id", Grant: "client_signature"}, wantErr: auth.ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Auth = tt.auth
			creds, err := cfg.Credentials()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Credentials failed: %v", err)
			}
			if tt.wantNil {
				if creds != nil {
					t.Errorf("creds = %+v, want nil", creds)
				}
				return
			}
			if creds.ClientSecret != tt.wantSecret || string(creds.Grant) != tt.auth.Grant {
				t.Errorf("creds = %+v", creds)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := LoggingConfig{Level: in}.SlogLevel()
		if err != nil || got != want {
			t.Errorf("SlogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("json output = %q", out)
	}

	if _, err := (LoggingConfig{Level: "loud"}).NewLogger(&buf); err == nil {
		t.Error("NewLogger accepted an unknown level")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults("tool")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults(tool).Validate() = %v", err)
	}
	if cfg.Venue.WSURL != DefaultWSURL || cfg.Database.Enabled() {
		t.Errorf("Defaults = %+v", cfg)
	}
}

func TestPoller(t *testing.T) {
	cfg := validConfig()
	cfg.Snapshots.Instruments = []string{"BTC-PERPETUAL"}
	cfg.Snapshots.Depth = 20

	pc := cfg.Poller()
	if len(pc.Instruments) != 1 || pc.Depth != 20 {
		t.Errorf("Poller() = %+v", pc)
	}
	if pc.Interval != DefaultSnapshotInterval || pc.Concurrency != DefaultSnapshotConcurrency {
		t.Errorf("Poller() defaults = %+v", pc)
	}

	pc.Instruments[0] = "changed"
	if cfg.Snapshots.Instruments[0] != "BTC-PERPETUAL" {
		t.Error("Poller() shares the instruments slice")
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv("DERIBIT_CLIENT_ID", "abc")
	t.Setenv("DERIBIT_CLIENT_SECRET", "secret")
	t.Setenv("DB_PASSWORD", "pass")

	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "session.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if !cfg.Database.Enabled() || len(cfg.Snapshots.Instruments) != 2 {
		t.Errorf("example config = %+v", cfg)
	}
	if _, err := cfg.Credentials(); err != nil {
		t.Errorf("Credentials() = %v", err)
	}
}
