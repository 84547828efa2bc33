// Package storage provides the record types and store interfaces used by the
// request-security subsystem.
//
// The package defines:
//   - AttemptStore: login attempts for the lockout tracker, with an atomic
//     count-and-append operation
//   - RecordSweeper: criteria-qualified deletes for the retention sweeper
//   - AdminSessionStore and AuditEventWriter: the admin surface and auditor
//
// SweepCriteria is validated against a fixed schema of resources and columns
// before any store turns it into a query.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/postgres: GORM/PostgreSQL storage with embedded migrations
//   - storage/valkey: Valkey attempt store for multi-replica lockout state
package storage
