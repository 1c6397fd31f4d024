package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rickgao/deribit-session/internal/rpc"
	"github.com/rickgao/deribit-session/internal/session"
)

// Caller issues one JSON-RPC call. *session.Session implements it.
type Caller interface {
	Call(ctx context.Context, method string, params rpc.Params, opts ...session.CallOption) (json.RawMessage, error)
}

// Client provides typed access to the venue's RPC methods.
type Client struct {
	caller Caller
	logger *slog.Logger

	timeout      time.Duration // 0 keeps the session default
	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new API client on top of caller.
func NewClient(caller Caller, opts ...ClientOption) *Client {
	c := &Client{
		caller:       caller,
		logger:       slog.Default(),
		maxRetries:   2,
		retryBackoff: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the per-call response deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetries sets the retry configuration for read-only calls.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}
