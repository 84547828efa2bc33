// Package memory provides an in-memory implementation of the reqguard storage interfaces.
//
// This package implements AttemptStore, RecordSweeper, AdminSessionStore and
// AuditEventWriter using Go maps behind a single sync.RWMutex. It is suitable
// for development, testing, and single-instance deployments where persistence
// is not required.
//
// Counting and inserting a failed login attempt happen under the same write
// lock, so concurrent failures for one identifier observe distinct counts.
// Expired records are not removed in the background; register the store with
// a retention.Sweeper instead.
//
// For deployments with several replicas use storage/postgres, or
// storage/valkey for the lockout state.
//
// Example usage:
//
//	store := memory.New()
//	tracker, _ := lockout.New(store, lockout.Config{})
//	sweeper := retention.New(retention.Config{})
//	sweeper.Register(retention.DefaultTasks(retention.Stores{Sessions: store, ...}, retention.Options{})...)
package memory
