// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - RPC call outcomes and latency per rate-limit class
//   - Connection epochs, disconnect reasons and reconnect attempts
//   - Auth status and subscription counts
//   - Token bucket headroom and backoff multiplier
//   - Notification sink queues and writer batch latencies
//   - Database connection pool stats
package metrics
