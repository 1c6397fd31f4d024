package session

import (
	"time"

	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/ratelimit"
)

// Option configures optional Session collaborators.
type Option func(*Session)

// WithCredentials sets the credentials used to authenticate and
// re-authenticate.
func WithCredentials(c *auth.Credentials) Option {
	return func(s *Session) { s.creds = c }
}

// WithLimiter sets the rate limiter. Without it the session uses a bucket
// with ratelimit.DefaultConfig.
func WithLimiter(b *ratelimit.Bucket) Option {
	return func(s *Session) { s.limiter = b }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(s *Session) { s.telemetry = t }
}

// CallOption configures a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	class   ratelimit.Class
	timeout time.Duration
}

// WithClass sets the rate-limit class of a call. Calls default to
// ratelimit.ClassQuery.
func WithClass(c ratelimit.Class) CallOption {
	return func(o *callOptions) { o.class = c }
}

// WithTimeout overrides the call's response deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// ResolveCallOptions returns the class and timeout opts select. A zero
// timeout means the session's CallTimeout applies.
func ResolveCallOptions(opts ...CallOption) (ratelimit.Class, time.Duration) {
	o := callOptions{class: ratelimit.ClassQuery}
	for _, opt := range opts {
		opt(&o)
	}
	return o.class, o.timeout
}
