// Package store provides durable journals for tdlink.
//
// Two record kinds are kept:
//   - id mappings: provisional message id -> confirmed id, keyed by the
//     provisional id, upserted on every confirmation
//   - event log: append-only trace of engine events in arrival order
//
// # Backends
//
// SQLite (mattn/go-sqlite3) is the default and needs no server. Postgres
// (lib/pq) serves deployments that share one journal between processes.
// Both implement Journal; OpenJournal selects one by driver name.
//
// # Ordering
//
// Event records are ordered by seq alone, never by timestamp. Mappings are
// returned ordered by old_id so listings are stable.
//
// # SQLite configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - single connection: one writer, no SQLITE_BUSY between our own goroutines
//
// Event payloads are stored as canonical JSON (see event.Canonical) so that
// traces compare byte for byte.
package store
