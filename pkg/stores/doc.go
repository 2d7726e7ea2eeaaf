// Package stores persists conductor state in SQLite.
//
// SQLiteStore keeps terminal task snapshots with their state history,
// lifecycle events, the consent registry, blocked users and an audit trail.
// The schema is embedded and applied with golang-migrate. File databases use
// WAL mode; ":memory:" databases are pinned to a single connection.
package stores
