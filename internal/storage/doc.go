// Package storage keeps the run history and the operator audit log.
//
// The history is an append-only record of task executions. It is never read
// back into the scheduler: next-due ticks always start fresh after a restart.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
