// Package connection implements the WebSocket transport.
//
// A Client:
//   - Dials the venue once and never reconnects by itself
//   - Answers server pings and pings the server on an interval
//   - Reports a stale connection when neither ping nor pong arrives in time
//   - Timestamps every inbound text frame as it is read
//
// Reconnection, authentication and replay belong to the session package,
// which creates a new Client for every connection epoch.
package connection
