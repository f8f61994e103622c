// Package store provides durable storage for contracts, installments,
// readjustment runs, notification records and index values.
//
// Two drivers are supported: SQLite (default, embedded) and PostgreSQL.
// Queries are written with ? placeholders and rebound per driver by sqlx.
//
// # Exactly-once transitions
//
// Run claim:
//   - UNIQUE(installment_id, period_start) on readjustment_runs
//   - BeginReadjustmentRun inserts with ON CONFLICT DO NOTHING, then moves
//     the row to Processing by compare-and-swap on its status
//   - CommitReadjustment updates the installment and marks the run Applied
//     in one transaction, guarded by the snapshotted previous amount
//
// Notification claim:
//   - UNIQUE(installment_id, due_date) on notification_records
//   - the insert is the claim; a second pass finds the row and skips
//   - delivery is leased by compare-and-swap on lease_until
//
// Link:
//   - UNIQUE(linked_installment_id) on intermediate_installments
//   - the reference has no ON DELETE action; DeleteFinancialInstallment
//     clears it first in the same transaction
//
// # Storage formats
//
//   - dates: TEXT YYYY-MM-DD
//   - instants: fixed-width UTC TEXT, comparable as strings
//   - amounts, rates and index percents: decimal TEXT
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - one open connection, which serialises all transactions
package store
