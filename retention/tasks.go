package retention

import (
	"context"
	"time"

	"github.com/giantswarm/reqguard/storage"
)

// Default task names.
const (
	TaskExpiredSessions        = "expired-sessions"
	TaskExpiredIdempotencyKeys = "expired-idempotency-keys"
	TaskOldRateLimits          = "old-rate-limits"
	TaskOldLoginAttempts       = "old-login-attempts"
	TaskOldAuditEvents         = "old-audit-events"
	TaskInactiveSessions       = "inactive-sessions"
)

// Retention windows
const (
	DefaultAuditRetentionDays = 90

	RateLimitRetention       = 7 * 24 * time.Hour
	LoginAttemptRetention    = 30 * 24 * time.Hour
	InactiveSessionRetention = 7 * 24 * time.Hour
)

// Stores names the sweeper for each resource. A nil store drops the tasks
// (or the part of a task) that would sweep it.
type Stores struct {
	Sessions        storage.RecordSweeper
	AdminSessions   storage.RecordSweeper
	IdempotencyKeys storage.RecordSweeper
	RateLimits      storage.RecordSweeper
	LoginAttempts   storage.RecordSweeper
	AuditEvents     storage.RecordSweeper
}

// All returns a Stores that uses one sweeper for every resource.
func All(s storage.RecordSweeper) Stores {
	return Stores{
		Sessions:        s,
		AdminSessions:   s,
		IdempotencyKeys: s,
		RateLimits:      s,
		LoginAttempts:   s,
		AuditEvents:     s,
	}
}

// Options tunes DefaultTasks.
type Options struct {
	// AuditRetentionDays is how long audit events are kept. Default: 90.
	AuditRetentionDays int

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// target pairs a sweeper with a criteria builder evaluated at run time.
type target struct {
	store    storage.RecordSweeper
	criteria func(now time.Time) storage.SweepCriteria
}

// DefaultTasks returns the standard retention tasks for the given stores.
func DefaultTasks(stores Stores, opts Options) []Task {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	auditDays := opts.AuditRetentionDays
	if auditDays <= 0 {
		auditDays = DefaultAuditRetentionDays
	}
	auditRetention := time.Duration(auditDays) * 24 * time.Hour

	specs := []struct {
		name     string
		interval time.Duration
		targets  []target
	}{
		{
			name:     TaskExpiredSessions,
			interval: time.Hour,
			targets: []target{
				{stores.Sessions, expiresBefore(storage.ResourceSessions)},
				{stores.AdminSessions, expiresBefore(storage.ResourceAdminSessions)},
			},
		},
		{
			name:     TaskExpiredIdempotencyKeys,
			interval: 6 * time.Hour,
			targets:  []target{{stores.IdempotencyKeys, expiresBefore(storage.ResourceIdempotencyKeys)}},
		},
		{
			name:     TaskOldRateLimits,
			interval: 12 * time.Hour,
			targets: []target{{stores.RateLimits, func(now time.Time) storage.SweepCriteria {
				return storage.SweepCriteria{
					Resource: storage.ResourceRateLimits,
					Field:    storage.FieldCreatedAt,
					Before:   now.Add(-RateLimitRetention),
				}
			}}},
		},
		{
			// Locked attempts are never swept here, however old.
			name:     TaskOldLoginAttempts,
			interval: 24 * time.Hour,
			targets: []target{{stores.LoginAttempts, func(now time.Time) storage.SweepCriteria {
				return storage.SweepCriteria{
					Resource: storage.ResourceLoginAttempts,
					Field:    storage.FieldAttemptTime,
					Before:   now.Add(-LoginAttemptRetention),
					Match:    map[string]bool{storage.FlagIsLocked: false},
				}
			}}},
		},
		{
			name:     TaskOldAuditEvents,
			interval: 7 * 24 * time.Hour,
			targets: []target{{stores.AuditEvents, func(now time.Time) storage.SweepCriteria {
				return storage.SweepCriteria{
					Resource: storage.ResourceAuditEvents,
					Field:    storage.FieldTimestamp,
					Before:   now.Add(-auditRetention),
				}
			}}},
		},
		{
			name:     TaskInactiveSessions,
			interval: 24 * time.Hour,
			targets: []target{{stores.Sessions, func(now time.Time) storage.SweepCriteria {
				return storage.SweepCriteria{
					Resource: storage.ResourceSessions,
					Field:    storage.FieldLastActivityAt,
					Before:   now.Add(-InactiveSessionRetention),
					Match:    map[string]bool{storage.FlagIsActive: true},
				}
			}}},
		},
	}

	var tasks []Task
	for _, spec := range specs {
		var targets []target
		for _, t := range spec.targets {
			if t.store != nil {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			continue
		}
		tasks = append(tasks, Task{
			Name:     spec.name,
			Interval: spec.interval,
			Run:      sweepAll(targets, now),
			Count:    countAll(targets, now),
		})
	}
	return tasks
}

func expiresBefore(resource storage.Resource) func(time.Time) storage.SweepCriteria {
	return func(now time.Time) storage.SweepCriteria {
		return storage.SweepCriteria{
			Resource: resource,
			Field:    storage.FieldExpiresAt,
			Before:   now,
		}
	}
}

// sweepAll runs every target with one cutoff. A failing target does not
// stop the others; the first error is returned with the total deleted.
func sweepAll(targets []target, now func() time.Time) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		at := now()
		var total int64
		var firstErr error
		for _, t := range targets {
			n, err := t.store.Sweep(ctx, t.criteria(at))
			total += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return total, firstErr
	}
}

func countAll(targets []target, now func() time.Time) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		at := now()
		var total int64
		for _, t := range targets {
			n, err := t.store.CountSweepable(ctx, t.criteria(at))
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
}
