// Package api provides typed wrappers for Deribit JSON-RPC methods.
//
// Every wrapper is a 1:1 payload builder over a Caller (usually a
// *session.Session). Each call carries its rate-limit class:
//   - Market data (get_time, get_instruments, get_order_book): query
//   - Order entry (buy, sell): order
//   - Cancellation (cancel, cancel_all*): cancel
//
// Read-only calls are retried with jittered backoff when they time out or
// the connection drops; order entry and cancellation never are.
package api
