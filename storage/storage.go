// Package storage defines the record types and store interfaces shared by the
// lockout tracker, the retention sweeper and the security auditor.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnsupportedCriteria is returned when a sweep names a resource or
	// column the store does not know. Column names are never passed through
	// to a query unchecked.
	ErrUnsupportedCriteria = errors.New("unsupported sweep criteria")

	// ErrInvalidRecord is returned when a record violates its own invariants.
	ErrInvalidRecord = errors.New("invalid record")
)

// IdentifierType names what a login attempt is keyed on.
type IdentifierType string

const (
	IdentifierUsername IdentifierType = "username"
	IdentifierEmail    IdentifierType = "email"
	IdentifierIP       IdentifierType = "ip"
)

// Valid reports whether t is one of the known identifier types.
func (t IdentifierType) Valid() bool {
	switch t {
	case IdentifierUsername, IdentifierEmail, IdentifierIP:
		return true
	}
	return false
}

// LoginAttempt is one failed authentication attempt.
//
// Invariants: IsLocked implies LockedUntil != nil, and AttemptCount >= 1.
type LoginAttempt struct {
	ID             string
	Identifier     string
	IdentifierType IdentifierType
	IPAddress      string
	UserAgent      string
	IsLocked       bool
	LockedUntil    *time.Time
	AttemptCount   int
	AttemptTime    time.Time
}

// CountRule tells an AttemptStore how to finalize a new attempt once it has
// atomically counted the identifier's earlier attempts.
type CountRule struct {
	// Since is the start of the rolling window. Only attempts at or after
	// Since are counted.
	Since time.Time

	// MaxAttempts is the count at which the attempt becomes a lock.
	MaxAttempts int

	// LockoutDuration is added to the attempt time to compute LockedUntil.
	LockoutDuration time.Duration
}

// Apply sets AttemptCount, IsLocked and LockedUntil on a for the given
// post-increment count. Every AttemptStore calls it inside its atomic
// section so the lock decision is identical across backends.
func (r CountRule) Apply(a *LoginAttempt, count int) {
	a.AttemptCount = count
	a.IsLocked = false
	a.LockedUntil = nil
	if r.MaxAttempts > 0 && count >= r.MaxAttempts {
		until := a.AttemptTime.Add(r.LockoutDuration)
		a.IsLocked = true
		a.LockedUntil = &until
	}
}

// LockoutStats summarizes the attempt store.
type LockoutStats struct {
	ActiveLockouts int64
	RecentAttempts int64
}

// AttemptStore persists login attempts for the lockout tracker.
// All methods accept context.Context for tracing and cancellation.
type AttemptStore interface {
	// AppendFailure counts the identifier's attempts since rule.Since, then
	// stores attempt with the post-increment count, locking it per rule.
	// Counting and inserting MUST be one atomic step: concurrent failures for
	// the same identifier must observe distinct counts.
	AppendFailure(ctx context.Context, attempt *LoginAttempt, rule CountRule) (*LoginAttempt, error)

	// LatestLock returns the locked attempt with the greatest LockedUntil,
	// or ErrNotFound.
	LatestLock(ctx context.Context, identifier string, typ IdentifierType) (*LoginAttempt, error)

	// ClearLock clears IsLocked and LockedUntil on a single attempt.
	ClearLock(ctx context.Context, id string) error

	// Unlock clears every lock for the identifier and returns how many
	// attempts were changed.
	Unlock(ctx context.Context, identifier string, typ IdentifierType) (int64, error)

	// DeleteAttempts removes every attempt for the identifier.
	DeleteAttempts(ctx context.Context, identifier string, typ IdentifierType) (int64, error)

	// DeleteExpiredLocks removes locked attempts whose LockedUntil is before now.
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)

	// LockoutStats counts locks still active at now and attempts since since.
	LockoutStats(ctx context.Context, now, since time.Time) (LockoutStats, error)
}

// Session is a user session issued by the business authentication flow.
type Session struct {
	ID             string
	UserID         string
	TokenHash      string
	ExpiresAt      time.Time
	LastActivityAt time.Time
	IsActive       bool
	CreatedAt      time.Time
}

// AdminSession is an authenticated administrator session.
type AdminSession struct {
	ID             string
	AdminID        string
	TokenHash      string
	IPAddress      string
	UserAgent      string
	ExpiresAt      time.Time
	LastActivityAt time.Time
	IsActive       bool
	CreatedAt      time.Time
}

// IdempotencyKey caches the outcome of a mutating request.
type IdempotencyKey struct {
	Key            string
	UserID         string
	Endpoint       string
	ResponseStatus int
	ResponseBody   string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// RateLimitRecord is a persisted request counter for one window.
type RateLimitRecord struct {
	ID           string
	UserID       string
	Endpoint     string
	RequestCount int
	WindowStart  time.Time
	CreatedAt    time.Time
}

// AuditEvent is a persisted security event.
type AuditEvent struct {
	ID        string
	EventType string
	ActorHash string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// AdminSessionStore looks up administrator sessions by token hash.
type AdminSessionStore interface {
	SaveAdminSession(ctx context.Context, session *AdminSession) error
	GetAdminSession(ctx context.Context, tokenHash string) (*AdminSession, error)
}

// AuditEventWriter appends security events.
type AuditEventWriter interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
}

// RecordSweeper deletes or counts records matching a retention criteria.
// Implementations MUST translate the criteria into a single qualified
// delete, so concurrent sweeps never remove a row outside the criteria.
type RecordSweeper interface {
	Sweep(ctx context.Context, c SweepCriteria) (int64, error)
	CountSweepable(ctx context.Context, c SweepCriteria) (int64, error)
}
