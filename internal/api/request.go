package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
	"github.com/rickgao/deribit-session/internal/session"
)

// isRetryable reports whether a read-only call may be repeated.
func isRetryable(err error) bool {
	return errors.Is(err, rpc.ErrTimeout) || errors.Is(err, rpc.ErrDisconnected)
}

// do performs one call and decodes its result into result (if non-nil).
func (c *Client) do(ctx context.Context, method string, params rpc.Params, class ratelimit.Class, result any) error {
	opts := []session.CallOption{session.WithClass(class)}
	if c.timeout > 0 {
		opts = append(opts, session.WithTimeout(c.timeout))
	}

	raw, err := c.caller.Call(ctx, method, params, opts...)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// doWithRetry performs a read-only call with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method string, params rpc.Params, result any) error {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			c.logger.Debug("retrying call",
				"attempt", attempt,
				"backoff", jitter,
				"method", method,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		err := c.do(ctx, method, params, ratelimit.ClassQuery, result)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
