// Package stores persists recipes, executions and step results.
//
// SQLiteStore is the default backend: a single file in WAL mode with embedded
// golang-migrate migrations. MemoryStore keeps everything in process and is meant for
// tests and throwaway runs. A PostgreSQL backend lives in the postgres subpackage.
//
// Every write to an execution is a conditional single-row update. The status column
// acts as the execution lease, so a write that finds an unexpected status returns an
// error matching ErrConflict instead of overwriting it.
package stores
