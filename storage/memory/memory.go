// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements AttemptStore, RecordSweeper, AdminSessionStore and
// AuditEventWriter.
type Store struct {
	mu sync.RWMutex

	attempts        map[string]*storage.LoginAttempt
	sessions        map[string]*storage.Session
	adminSessions   map[string]*storage.AdminSession // token hash -> session
	idempotencyKeys map[string]*storage.IdempotencyKey
	rateLimits      map[string]*storage.RateLimitRecord
	auditEvents     map[string]*storage.AuditEvent

	observer *instrumentation.StorageObserver
	logger   *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.AttemptStore      = (*Store)(nil)
	_ storage.RecordSweeper     = (*Store)(nil)
	_ storage.AdminSessionStore = (*Store)(nil)
	_ storage.AuditEventWriter  = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		attempts:        make(map[string]*storage.LoginAttempt),
		sessions:        make(map[string]*storage.Session),
		adminSessions:   make(map[string]*storage.AdminSession),
		idempotencyKeys: make(map[string]*storage.IdempotencyKey),
		rateLimits:      make(map[string]*storage.RateLimitRecord),
		auditEvents:     make(map[string]*storage.AuditEvent),
		logger:          slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = instrumentation.NewStorageObserver(inst, "memory")
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	return o.Start(ctx, operation)
}

// ============================================================
// AttemptStore Implementation
// ============================================================

// AppendFailure counts and inserts under the store lock, so concurrent
// failures for one identifier always observe distinct counts.
func (s *Store) AppendFailure(ctx context.Context, attempt *storage.LoginAttempt, rule storage.CountRule) (_ *storage.LoginAttempt, err error) {
	_, done := s.start(ctx, "append_failure")
	defer func() { done(err) }()

	if attempt == nil || attempt.ID == "" || attempt.Identifier == "" {
		return nil, fmt.Errorf("%w: attempt requires an ID and identifier", storage.ErrInvalidRecord)
	}
	if !attempt.IdentifierType.Valid() {
		return nil, fmt.Errorf("%w: unknown identifier type %q", storage.ErrInvalidRecord, attempt.IdentifierType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, a := range s.attempts {
		if a.Identifier == attempt.Identifier && a.IdentifierType == attempt.IdentifierType &&
			!a.AttemptTime.Before(rule.Since) {
			count++
		}
	}

	stored := cloneAttempt(attempt)
	rule.Apply(stored, count+1)
	s.attempts[stored.ID] = stored

	return cloneAttempt(stored), nil
}

// LatestLock returns the locked attempt with the latest LockedUntil.
func (s *Store) LatestLock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ *storage.LoginAttempt, err error) {
	_, done := s.start(ctx, "latest_lock")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.LoginAttempt
	for _, a := range s.attempts {
		if a.Identifier != identifier || a.IdentifierType != typ || !a.IsLocked || a.LockedUntil == nil {
			continue
		}
		if latest == nil || a.LockedUntil.After(*latest.LockedUntil) {
			latest = a
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return cloneAttempt(latest), nil
}

// ClearLock clears the lock on a single attempt.
func (s *Store) ClearLock(ctx context.Context, id string) (err error) {
	_, done := s.start(ctx, "clear_lock")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.IsLocked = false
	a.LockedUntil = nil
	return nil
}

// Unlock clears every lock held by the identifier.
func (s *Store) Unlock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	_, done := s.start(ctx, "unlock")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, a := range s.attempts {
		if a.Identifier == identifier && a.IdentifierType == typ && a.IsLocked {
			a.IsLocked = false
			a.LockedUntil = nil
			n++
		}
	}
	return n, nil
}

// DeleteAttempts removes every attempt for the identifier.
func (s *Store) DeleteAttempts(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	_, done := s.start(ctx, "delete_attempts")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.attempts {
		if a.Identifier == identifier && a.IdentifierType == typ {
			delete(s.attempts, id)
			n++
		}
	}
	return n, nil
}

// DeleteExpiredLocks removes locked attempts whose lock ended before now.
func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (_ int64, err error) {
	_, done := s.start(ctx, "delete_expired_locks")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.attempts {
		if a.IsLocked && a.LockedUntil != nil && a.LockedUntil.Before(now) {
			delete(s.attempts, id)
			n++
		}
	}
	return n, nil
}

// LockoutStats counts locks active at now and attempts made since since.
func (s *Store) LockoutStats(ctx context.Context, now, since time.Time) (_ storage.LockoutStats, err error) {
	_, done := s.start(ctx, "lockout_stats")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats storage.LockoutStats
	for _, a := range s.attempts {
		if a.IsLocked && a.LockedUntil != nil && a.LockedUntil.After(now) {
			stats.ActiveLockouts++
		}
		if !a.AttemptTime.Before(since) {
			stats.RecentAttempts++
		}
	}
	return stats, nil
}

func cloneAttempt(a *storage.LoginAttempt) *storage.LoginAttempt {
	c := *a
	if a.LockedUntil != nil {
		until := *a.LockedUntil
		c.LockedUntil = &until
	}
	return &c
}

// ============================================================
// Transient records
// ============================================================

// SaveSession stores a user session.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) (err error) {
	_, done := s.start(ctx, "save_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session requires an ID", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.sessions[c.ID] = &c
	return nil
}

// SaveAdminSession stores an administrator session keyed by its token hash.
func (s *Store) SaveAdminSession(ctx context.Context, session *storage.AdminSession) (err error) {
	_, done := s.start(ctx, "save_admin_session")
	defer func() { done(err) }()

	if session == nil || session.TokenHash == "" {
		return fmt.Errorf("%w: admin session requires a token hash", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.adminSessions[c.TokenHash] = &c
	return nil
}

// GetAdminSession looks up an active administrator session by token hash.
func (s *Store) GetAdminSession(ctx context.Context, tokenHash string) (_ *storage.AdminSession, err error) {
	_, done := s.start(ctx, "get_admin_session")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.adminSessions[tokenHash]
	if !ok || !session.IsActive {
		return nil, storage.ErrNotFound
	}
	c := *session
	return &c, nil
}

// SaveIdempotencyKey stores a cached response.
func (s *Store) SaveIdempotencyKey(ctx context.Context, key *storage.IdempotencyKey) (err error) {
	_, done := s.start(ctx, "save_idempotency_key")
	defer func() { done(err) }()

	if key == nil || key.Key == "" {
		return fmt.Errorf("%w: idempotency key is empty", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *key
	s.idempotencyKeys[c.Key] = &c
	return nil
}

// SaveRateLimit stores a rate limit window.
func (s *Store) SaveRateLimit(ctx context.Context, rec *storage.RateLimitRecord) (err error) {
	_, done := s.start(ctx, "save_rate_limit")
	defer func() { done(err) }()

	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: rate limit record requires an ID", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.rateLimits[c.ID] = &c
	return nil
}

// AppendAuditEvent stores a security event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) (err error) {
	_, done := s.start(ctx, "append_audit_event")
	defer func() { done(err) }()

	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: audit event requires an ID", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *event
	c.Details = maps.Clone(event.Details)
	s.auditEvents[c.ID] = &c
	return nil
}

// AuditEvents returns the stored events of the given type, or all events
// when eventType is empty.
func (s *Store) AuditEvents(eventType string) []storage.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.AuditEvent
	for _, e := range s.auditEvents {
		if eventType == "" || e.EventType == eventType {
			out = append(out, *e)
		}
	}
	return out
}

// ============================================================
// RecordSweeper Implementation
// ============================================================

// Sweep deletes every record matching c under the store lock.
func (s *Store) Sweep(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	_, done := s.start(ctx, "sweep")
	defer func() { done(err) }()

	if err = c.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	switch c.Resource {
	case storage.ResourceSessions:
		n = sweepMap(s.sessions, c, true)
	case storage.ResourceAdminSessions:
		n = sweepMap(s.adminSessions, c, true)
	case storage.ResourceIdempotencyKeys:
		n = sweepMap(s.idempotencyKeys, c, true)
	case storage.ResourceRateLimits:
		n = sweepMap(s.rateLimits, c, true)
	case storage.ResourceLoginAttempts:
		n = sweepMap(s.attempts, c, true)
	case storage.ResourceAuditEvents:
		n = sweepMap(s.auditEvents, c, true)
	}

	if n > 0 {
		s.logger.Debug("Swept records", "criteria", c.String(), "deleted", n)
	}
	return n, nil
}

// CountSweepable counts the records Sweep would delete for c.
func (s *Store) CountSweepable(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	_, done := s.start(ctx, "count_sweepable")
	defer func() { done(err) }()

	if err = c.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch c.Resource {
	case storage.ResourceSessions:
		return sweepMap(s.sessions, c, false), nil
	case storage.ResourceAdminSessions:
		return sweepMap(s.adminSessions, c, false), nil
	case storage.ResourceIdempotencyKeys:
		return sweepMap(s.idempotencyKeys, c, false), nil
	case storage.ResourceRateLimits:
		return sweepMap(s.rateLimits, c, false), nil
	case storage.ResourceLoginAttempts:
		return sweepMap(s.attempts, c, false), nil
	case storage.ResourceAuditEvents:
		return sweepMap(s.auditEvents, c, false), nil
	}
	return 0, nil
}

// sweepMap counts the records matching c, deleting them when remove is set.
// The caller holds the appropriate lock.
func sweepMap[K comparable, V storage.Sweepable](m map[K]V, c storage.SweepCriteria, remove bool) int64 {
	var n int64
	for k, rec := range m {
		if !c.Matches(rec) {
			continue
		}
		if remove {
			delete(m, k)
		}
		n++
	}
	return n
}
