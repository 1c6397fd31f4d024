// Package poller implements the Snapshot Poller component.
//
// The Snapshot Poller:
//   - Requests full order books for configured instruments on an interval
//   - Goes through the session, so requests are rate limited like any call
//   - Provides a backup data source for gap recovery between notifications
//   - Delivers snapshots to a notification target on "snapshot.book.<instrument>"
package poller
