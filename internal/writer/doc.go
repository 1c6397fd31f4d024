// Package writer persists subscription notifications.
//
// NotificationWriter batches notifications delivered by a router.Sink and
// inserts them with pgx.Batch. Rows are append-only; a repeated
// (instance, channel, received_at) key is counted as a conflict and skipped.
package writer
