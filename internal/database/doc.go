// Package database provides the PostgreSQL connection pool and schema for
// the notification store.
//
// Each session daemon writes to a single database:
//   - channel_notifications: one row per subscription notification,
//     keyed by (instance, channel, received_at), payload kept as JSONB
//
// Persistence is optional; without a database section the daemon only
// routes notifications in memory.
package database
