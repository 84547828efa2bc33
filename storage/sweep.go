package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resource names a class of transient records. The value doubles as the
// table name in relational stores.
type Resource string

const (
	ResourceSessions        Resource = "sessions"
	ResourceAdminSessions   Resource = "admin_sessions"
	ResourceIdempotencyKeys Resource = "idempotency_keys"
	ResourceRateLimits      Resource = "rate_limits"
	ResourceLoginAttempts   Resource = "login_attempts"
	ResourceAuditEvents     Resource = "audit_events"
)

// Column names usable in sweep criteria.
const (
	FieldExpiresAt      = "expires_at"
	FieldCreatedAt      = "created_at"
	FieldLastActivityAt = "last_activity_at"
	FieldAttemptTime    = "attempt_time"
	FieldLockedUntil    = "locked_until"
	FieldTimestamp      = "timestamp"

	FlagIsActive = "is_active"
	FlagIsLocked = "is_locked"
)

// SweepCriteria selects the records a retention sweep may delete:
// every record of Resource whose Field is strictly before Before and whose
// boolean columns equal the values in Match.
type SweepCriteria struct {
	Resource Resource
	Field    string
	Before   time.Time
	Match    map[string]bool
}

func (c SweepCriteria) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s < %s", c.Resource, c.Field, c.Before.UTC().Format(time.RFC3339))
	keys := make([]string, 0, len(c.Match))
	for k := range c.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " AND %s = %t", k, c.Match[k])
	}
	return b.String()
}

type resourceSchema struct {
	times map[string]bool
	flags map[string]bool
}

var sweepSchema = map[Resource]resourceSchema{
	ResourceSessions: {
		times: set(FieldExpiresAt, FieldCreatedAt, FieldLastActivityAt),
		flags: set(FlagIsActive),
	},
	ResourceAdminSessions: {
		times: set(FieldExpiresAt, FieldCreatedAt, FieldLastActivityAt),
		flags: set(FlagIsActive),
	},
	ResourceIdempotencyKeys: {
		times: set(FieldExpiresAt, FieldCreatedAt),
	},
	ResourceRateLimits: {
		times: set(FieldCreatedAt),
	},
	ResourceLoginAttempts: {
		times: set(FieldAttemptTime, FieldLockedUntil),
		flags: set(FlagIsLocked),
	},
	ResourceAuditEvents: {
		times: set(FieldTimestamp),
	},
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Validate checks the criteria against the known resources and columns.
func (c SweepCriteria) Validate() error {
	schema, ok := sweepSchema[c.Resource]
	if !ok {
		return fmt.Errorf("%w: unknown resource %q", ErrUnsupportedCriteria, c.Resource)
	}
	if !schema.times[c.Field] {
		return fmt.Errorf("%w: %s has no time column %q", ErrUnsupportedCriteria, c.Resource, c.Field)
	}
	if c.Before.IsZero() {
		return fmt.Errorf("%w: cutoff is not set", ErrUnsupportedCriteria)
	}
	for flag := range c.Match {
		if !schema.flags[flag] {
			return fmt.Errorf("%w: %s has no flag column %q", ErrUnsupportedCriteria, c.Resource, flag)
		}
	}
	return nil
}

// Sweepable exposes a record's time and flag columns by name so stores
// without a query language can evaluate SweepCriteria.
type Sweepable interface {
	SweepTime(field string) (time.Time, bool)
	SweepFlag(flag string) (bool, bool)
}

// Matches reports whether rec satisfies the criteria. A record with an unset
// time column never matches.
func (c SweepCriteria) Matches(rec Sweepable) bool {
	t, ok := rec.SweepTime(c.Field)
	if !ok || !t.Before(c.Before) {
		return false
	}
	for flag, want := range c.Match {
		got, ok := rec.SweepFlag(flag)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (a *LoginAttempt) SweepTime(field string) (time.Time, bool) {
	switch field {
	case FieldAttemptTime:
		return a.AttemptTime, true
	case FieldLockedUntil:
		if a.LockedUntil == nil {
			return time.Time{}, false
		}
		return *a.LockedUntil, true
	}
	return time.Time{}, false
}

func (a *LoginAttempt) SweepFlag(flag string) (bool, bool) {
	if flag == FlagIsLocked {
		return a.IsLocked, true
	}
	return false, false
}

func (s *Session) SweepTime(field string) (time.Time, bool) {
	return sessionTime(field, s.ExpiresAt, s.CreatedAt, s.LastActivityAt)
}

func (s *Session) SweepFlag(flag string) (bool, bool) {
	if flag == FlagIsActive {
		return s.IsActive, true
	}
	return false, false
}

func (s *AdminSession) SweepTime(field string) (time.Time, bool) {
	return sessionTime(field, s.ExpiresAt, s.CreatedAt, s.LastActivityAt)
}

func (s *AdminSession) SweepFlag(flag string) (bool, bool) {
	if flag == FlagIsActive {
		return s.IsActive, true
	}
	return false, false
}

func sessionTime(field string, expiresAt, createdAt, lastActivityAt time.Time) (time.Time, bool) {
	switch field {
	case FieldExpiresAt:
		return expiresAt, true
	case FieldCreatedAt:
		return createdAt, true
	case FieldLastActivityAt:
		return lastActivityAt, !lastActivityAt.IsZero()
	}
	return time.Time{}, false
}

func (k *IdempotencyKey) SweepTime(field string) (time.Time, bool) {
	switch field {
	case FieldExpiresAt:
		return k.ExpiresAt, true
	case FieldCreatedAt:
		return k.CreatedAt, true
	}
	return time.Time{}, false
}

func (k *IdempotencyKey) SweepFlag(string) (bool, bool) { return false, false }

func (r *RateLimitRecord) SweepTime(field string) (time.Time, bool) {
	if field == FieldCreatedAt {
		return r.CreatedAt, true
	}
	return time.Time{}, false
}

func (r *RateLimitRecord) SweepFlag(string) (bool, bool) { return false, false }

func (e *AuditEvent) SweepTime(field string) (time.Time, bool) {
	if field == FieldTimestamp {
		return e.Timestamp, true
	}
	return time.Time{}, false
}

func (e *AuditEvent) SweepFlag(string) (bool, bool) { return false, false }
