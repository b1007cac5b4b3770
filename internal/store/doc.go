// Package store implements the SQLite-backed node store: one node's partition
// of the harvest fact table plus its dimension copies, denormalized crop
// totals, append-only audit log, business rules, and the durable
// prepared-transaction state that two-phase commit relies on.
//
// # Prepared transactions on SQLite
//
// SQLite has no PREPARE TRANSACTION, so the prepared state is modeled with
// staging tables. PREPARE commits a local SQLite transaction that writes only
// staged_changes, staged_audit and the prepared_txns record: the effects are
// durable and survive a crash, but are invisible to readers of the live
// tables. COMMIT PREPARED applies the staged rows to harvests, crop_totals
// and audit_log in a single local transaction and marks the record COMMITTED;
// ROLLBACK PREPARED discards the staging and marks it ABORTED. Both are
// idempotent: replaying an instruction for a resolved transaction is a no-op.
//
// Row locks are not held inside SQLite; the in-process lock manager
// (internal/lock) guards fact rows from mutation start to local terminal
// state, and the participant re-acquires locks for leftover PREPARED records
// on startup.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for SQLite-level locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
