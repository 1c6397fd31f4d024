// Package session implements the Session Continuity Engine.
//
// A Session:
//   - Correlates JSON-RPC requests and responses across connection epochs
//   - Authenticates, refreshes tokens before expiry, exchanges and forks
//   - Keeps a subscription registry and replays it after every reconnect
//   - Admits outbound traffic through an adaptive token bucket
//   - Reconnects with backoff, re-authenticating before traffic resumes
//   - Answers venue liveness probes in the same pass that reads them
//
// All state is owned by one actor goroutine. A panic in the actor restarts
// the session unauthenticated with an empty registry.
package session
