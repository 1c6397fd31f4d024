package session

import (
	"errors"
	"time"

	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// Errors
var (
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionRestarted  = errors.New("session restarted")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrFatal             = errors.New("session failed permanently")
	ErrAuthRequired      = errors.New("channel requires authentication")
	ErrNoCredentials     = errors.New("no credentials or refresh token available")
	ErrEmptyToken        = errors.New("auth result carried no access token")
	ErrSubscribeRejected = errors.New("venue did not confirm subscription")
	ErrNoTarget          = errors.New("subscribe requires a notification target")
)

// TransportFactory returns a fresh, unconnected transport. A new transport
// is created for every connection epoch.
type TransportFactory func() connection.Client

// AuthStatus is the state of the auth lifecycle.
type AuthStatus string

const (
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthAuthenticating  AuthStatus = "authenticating"
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthRefreshing      AuthStatus = "refreshing"
	AuthFailed          AuthStatus = "failed"
)

// AuthState is a copy of the session's auth lifecycle state.
// AccessToken is set iff Status is authenticated or refreshing.
type AuthState struct {
	Status           AuthStatus
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshThreshold time.Duration
	Scope            string
	SessionName      string // Set after a successful Fork
	Err              error  // Cause of the last failure
}

// SubscriptionStatus is the state of one channel subscription.
type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionFailed  SubscriptionStatus = "failed"
)

// Subscription is a copy of one registry entry.
type Subscription struct {
	Channel       string
	Status        SubscriptionStatus
	RequiresAuth  bool
	Params        rpc.Params
	LastConfirmed time.Time
	Err           error
}

// DisconnectReason classifies why a connection ended.
type DisconnectReason string

const (
	// ReasonGraceful is a user-initiated close. The session does not reconnect.
	ReasonGraceful DisconnectReason = "graceful"
	// ReasonAuthError means the venue invalidated the session's credentials.
	// The session reconnects and re-authenticates before resuming traffic.
	ReasonAuthError DisconnectReason = "auth_error"
	// ReasonTransport is any other closure.
	ReasonTransport DisconnectReason = "transport"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailed    EventType = "auth_failed"
	EventReplayed      EventType = "replayed"
	EventReplayFailed  EventType = "replay_failed"
	EventLoggedOut     EventType = "logged_out"
	EventFatal         EventType = "fatal"
	EventRestart       EventType = "restart"
)

// Event is a session lifecycle notification.
type Event struct {
	Type    EventType
	Epoch   uint64
	Reason  DisconnectReason // EventDisconnected only
	Channel string           // EventReplayFailed only
	Err     error
	At      time.Time
}

// Methods names the venue's RPC methods and inbound message types.
type Methods struct {
	Auth                  string
	ExchangeToken         string
	ForkToken             string
	Logout                string
	PublicSubscribe       string
	PrivateSubscribe      string
	PublicUnsubscribe     string
	PrivateUnsubscribe    string
	PublicUnsubscribeAll  string
	PrivateUnsubscribeAll string
	SetHeartbeat          string
	Test                  string // Liveness acknowledgment

	Probe        string // Inbound liveness probe
	Heartbeat    string // Inbound heartbeat; a probe when params.type is "test_request"
	Notification string // Inbound subscription data
}

// DefaultMethods returns the Deribit method names.
func DefaultMethods() Methods {
	return Methods{
		Auth:                  "public/auth",
		ExchangeToken:         "public/exchange_token",
		ForkToken:             "public/fork_token",
		Logout:                "private/logout",
		PublicSubscribe:       "public/subscribe",
		PrivateSubscribe:      "private/subscribe",
		PublicUnsubscribe:     "public/unsubscribe",
		PrivateUnsubscribe:    "private/unsubscribe",
		PublicUnsubscribeAll:  "public/unsubscribe_all",
		PrivateUnsubscribeAll: "private/unsubscribe_all",
		SetHeartbeat:          "public/set_heartbeat",
		Test:                  "public/test",
		Probe:                 "test_request",
		Heartbeat:             "heartbeat",
		Notification:          "subscription",
	}
}

// ReconnectConfig bounds reconnection.
type ReconnectConfig struct {
	MaxAttempts int           // Consecutive failed attempts before giving up (0 = never give up)
	BaseWait    time.Duration // Wait before the first attempt
	MaxWait     time.Duration // Cap for exponential backoff
}

// Config configures a Session.
type Config struct {
	Methods         Methods
	Classifier      rpc.Classifier
	PrivatePrefixes []string // Channels with these prefixes require authentication

	CallTimeout       time.Duration // Default per-request deadline
	LogoutTimeout     time.Duration // Logout waits at most this long for the venue
	SweepInterval     time.Duration // How often request deadlines are checked
	RefreshThreshold  time.Duration // Refresh this long before the token expires
	HeartbeatInterval time.Duration // Ask the venue to probe at this interval (0 = off)

	AuthenticateOnConnect bool // Authenticate before releasing traffic on every connect
	RetryRateLimited      bool // Retry a venue rate-limit rejection once when queueing

	Reconnect   ReconnectConfig
	MailboxSize int
	EventBuffer int
}

// DefaultConfig returns sensible defaults for Deribit.
func DefaultConfig() Config {
	return Config{
		Methods:           DefaultMethods(),
		Classifier:        rpc.DefaultClassifier(),
		PrivatePrefixes:   []string{"user."},
		CallTimeout:       10 * time.Second,
		LogoutTimeout:     2 * time.Second,
		SweepInterval:     50 * time.Millisecond,
		RefreshThreshold:  3 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		RetryRateLimited:  true,
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseWait:    time.Second,
			MaxWait:     time.Minute,
		},
		MailboxSize: 1024,
		EventBuffer: 64,
	}
}

// normalize fills zero values that would stall the actor.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Methods == (Methods{}) {
		c.Methods = d.Methods
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = d.LogoutTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Reconnect.BaseWait <= 0 {
		c.Reconnect.BaseWait = d.Reconnect.BaseWait
	}
	if c.Reconnect.MaxWait < c.Reconnect.BaseWait {
		c.Reconnect.MaxWait = c.Reconnect.BaseWait
	}
	if c.MailboxSize < 1 {
		c.MailboxSize = d.MailboxSize
	}
	if c.EventBuffer < 1 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Stats contains runtime statistics.
type Stats struct {
	Phase               string
	Epoch               uint64
	EpochStartedAt      time.Time
	ReconnectAttempts   int
	Auth                AuthStatus
	Subscriptions       int
	ActiveSubscriptions int
	Deferred            int
	Restarts            int
	EventsDropped       int64
	Correlator          rpc.CorrelatorStats
	Bucket              ratelimit.Snapshot
}
