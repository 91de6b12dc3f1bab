// Package store provides the SQLite-backed execution tracker.
//
// The tracker is a key registry with three tables:
//   - execution_claims: one row per executed (task_id, scheduled_at, store_id)
//   - processed_messages: one row per handled (store_id, record_id)
//   - task_schedules: next due time per (store_id, task_id)
//
// # Claims
//
// Claim and MarkProcessed are INSERT ... ON CONFLICT DO NOTHING statements.
// The UNIQUE constraint decides the winner: RowsAffected == 1 means this
// caller inserted the row, 0 means the row already existed. There is no
// application-level lock; concurrent goroutines and concurrent processes
// sharing the database file resolve through SQLite alone.
//
// Claim rows are never updated. Prune deletes rows older than a retention
// window.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Timestamps are stored as Unix milliseconds (INTEGER).
package store
