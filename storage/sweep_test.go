package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSweepCriteria_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		criteria SweepCriteria
		wantErr  bool
	}{
		{
			name:     "login attempts with lock exclusion",
			criteria: SweepCriteria{Resource: ResourceLoginAttempts, Field: FieldAttemptTime, Before: now, Match: map[string]bool{FlagIsLocked: false}},
		},
		{
			name:     "audit events by timestamp",
			criteria: SweepCriteria{Resource: ResourceAuditEvents, Field: FieldTimestamp, Before: now},
		},
		{
			name:     "unknown resource",
			criteria: SweepCriteria{Resource: "users", Field: FieldCreatedAt, Before: now},
			wantErr:  true,
		},
		{
			name:     "column from another table",
			criteria: SweepCriteria{Resource: ResourceRateLimits, Field: FieldExpiresAt, Before: now},
			wantErr:  true,
		},
		{
			name:     "injected column name",
			criteria: SweepCriteria{Resource: ResourceSessions, Field: "expires_at; DROP TABLE sessions", Before: now},
			wantErr:  true,
		},
		{
			name:     "unknown flag",
			criteria: SweepCriteria{Resource: ResourceSessions, Field: FieldExpiresAt, Before: now, Match: map[string]bool{FlagIsLocked: false}},
			wantErr:  true,
		},
		{
			name:     "zero cutoff",
			criteria: SweepCriteria{Resource: ResourceSessions, Field: FieldExpiresAt},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.criteria.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedCriteria) {
				t.Errorf("Validate() error = %v, want ErrUnsupportedCriteria", err)
			}
		})
	}
}

func TestSweepCriteria_Matches(t *testing.T) {
	now := time.Now()
	old := now.Add(-31 * 24 * time.Hour)
	until := now.Add(time.Hour)

	criteria := SweepCriteria{
		Resource: ResourceLoginAttempts,
		Field:    FieldAttemptTime,
		Before:   now.Add(-30 * 24 * time.Hour),
		Match:    map[string]bool{FlagIsLocked: false},
	}

	unlocked := &LoginAttempt{AttemptTime: old}
	locked := &LoginAttempt{AttemptTime: old, IsLocked: true, LockedUntil: &until}
	recent := &LoginAttempt{AttemptTime: now}

	if !criteria.Matches(unlocked) {
		t.Error("old unlocked attempt should match")
	}
	if criteria.Matches(locked) {
		t.Error("old locked attempt must not match")
	}
	if criteria.Matches(recent) {
		t.Error("recent attempt must not match")
	}
}

func TestSweepCriteria_MatchesBoundary(t *testing.T) {
	cutoff := time.Now()
	criteria := SweepCriteria{Resource: ResourceIdempotencyKeys, Field: FieldExpiresAt, Before: cutoff}

	if criteria.Matches(&IdempotencyKey{ExpiresAt: cutoff}) {
		t.Error("record expiring exactly at the cutoff must not match")
	}
	if !criteria.Matches(&IdempotencyKey{ExpiresAt: cutoff.Add(-time.Nanosecond)}) {
		t.Error("record expiring before the cutoff should match")
	}
}

func TestCountRule_Apply(t *testing.T) {
	now := time.Now()
	rule := CountRule{Since: now.Add(-15 * time.Minute), MaxAttempts: 5, LockoutDuration: time.Hour}

	a := &LoginAttempt{AttemptTime: now}
	rule.Apply(a, 4)
	if a.IsLocked || a.LockedUntil != nil || a.AttemptCount != 4 {
		t.Fatalf("count 4: got locked=%v until=%v count=%d", a.IsLocked, a.LockedUntil, a.AttemptCount)
	}

	rule.Apply(a, 5)
	if !a.IsLocked || a.LockedUntil == nil {
		t.Fatal("count 5 should lock")
	}
	if !a.LockedUntil.Equal(now.Add(time.Hour)) {
		t.Errorf("LockedUntil = %v, want %v", a.LockedUntil, now.Add(time.Hour))
	}
}

func TestIdentifierType_Valid(t *testing.T) {
	for _, typ := range []IdentifierType{IdentifierUsername, IdentifierEmail, IdentifierIP} {
		if !typ.Valid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if IdentifierType("phone").Valid() {
		t.Error("phone should not be valid")
	}
}
