// Package storage is the durable queue store.
//
// It keeps queue items, the operator audit log and the notifier dedup
// windows in one SQL database. Two drivers are supported through
// database/sql:
//   - "sqlite" (default): modernc.org/sqlite, a single connection in WAL mode
//   - "postgres": jackc/pgx/v5, claims use FOR UPDATE SKIP LOCKED
//
// The schema is embedded and applied with golang-migrate at open time.
// Every mutating queue operation runs in a single transaction; at most one
// item may be DISPATCHING, enforced by a partial unique index.
package storage
