// Package lockout tracks failed authentication attempts per identifier and
// temporarily locks identifiers that fail too often.
//
// An identifier is a username, an email address or a client IP. Each failed
// attempt is stored; the attempt that brings the count inside the rolling
// window to MaxAttempts is stored locked until now+LockoutDuration. Expired
// locks are cleared lazily by IsLocked and removed by CleanupExpired.
//
// Every store failure is returned wrapped in ErrStoreUnavailable. Callers
// must treat it as "unknown" and fail closed.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/internal/util"
	"github.com/giantswarm/reqguard/storage"
)

// Defaults
const (
	DefaultMaxAttempts     = 5
	DefaultWindow          = 15 * time.Minute
	DefaultLockoutDuration = 60 * time.Minute

	// MaxUserAgentLength bounds the stored User-Agent header.
	MaxUserAgentLength = 512
)

var (
	// ErrStoreUnavailable wraps every attempt store failure.
	ErrStoreUnavailable = errors.New("lockout store unavailable")

	// ErrInvalidIdentifier is returned for an empty identifier or unknown type.
	ErrInvalidIdentifier = errors.New("invalid lockout identifier")
)

// Config configures a Tracker. Zero values take the defaults.
type Config struct {
	MaxAttempts     int
	Window          time.Duration
	LockoutDuration time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Status is the answer to IsLocked.
type Status struct {
	Locked           bool
	LockedUntil      time.Time
	RemainingMinutes int
}

// Attempt describes one failed login.
type Attempt struct {
	Identifier string
	Type       storage.IdentifierType
	IPAddress  string
	UserAgent  string
}

// Result is the outcome of RecordFailedAttempt.
type Result struct {
	Locked            bool
	AttemptsRemaining int
}

// CleanupResult reports what CleanupExpired removed.
type CleanupResult struct {
	ExpiredLocks int64
	OldAttempts  int64
}

// Total is the number of deleted records.
func (r CleanupResult) Total() int64 { return r.ExpiredLocks + r.OldAttempts }

// Stats summarizes lockout state for monitoring. Available is false when
// the store could not be queried.
type Stats struct {
	ActiveLockouts int64 `json:"active_lockouts"`
	RecentAttempts int64 `json:"recent_attempts"`
	Available      bool  `json:"available"`
}

// Tracker implements the lockout state machine over an AttemptStore.
// It is safe for concurrent use; atomicity of counting is delegated to the
// store.
type Tracker struct {
	store   storage.AttemptStore
	sweeper storage.RecordSweeper

	maxAttempts     int
	window          time.Duration
	lockoutDuration time.Duration

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates a Tracker. If store also implements storage.RecordSweeper,
// CleanupExpired removes old unlocked attempts as well as expired locks.
func New(store storage.AttemptStore, cfg Config) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("lockout: attempt store is required")
	}

	t := &Tracker{
		store:           store,
		maxAttempts:     cfg.MaxAttempts,
		window:          cfg.Window,
		lockoutDuration: cfg.LockoutDuration,
		logger:          cfg.Logger,
		now:             cfg.Now,
		tracer:          noop.NewTracerProvider().Tracer("lockout"),
	}
	if sw, ok := store.(storage.RecordSweeper); ok {
		t.sweeper = sw
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	if t.window <= 0 {
		t.window = DefaultWindow
	}
	if t.lockoutDuration <= 0 {
		t.lockoutDuration = DefaultLockoutDuration
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if cfg.Instrumentation != nil {
		t.tracer = cfg.Instrumentation.Tracer("lockout")
		t.metrics = cfg.Instrumentation.Metrics()
	}
	return t, nil
}

// MaxAttempts returns the configured threshold.
func (t *Tracker) MaxAttempts() int { return t.maxAttempts }

// IsLocked reports whether the identifier is locked right now. A lock whose
// LockedUntil has passed is cleared and reported as not locked.
func (t *Tracker) IsLocked(ctx context.Context, identifier string, typ storage.IdentifierType) (Status, error) {
	ctx, span := t.tracer.Start(ctx, "lockout.is_locked",
		trace.WithAttributes(attribute.String(instrumentation.AttrIdentifierType, string(typ))))
	defer span.End()

	if err := checkIdentifier(identifier, typ); err != nil {
		instrumentation.RecordError(span, err)
		return Status{}, err
	}

	lock, err := t.store.LatestLock(ctx, identifier, typ)
	if errors.Is(err, storage.ErrNotFound) {
		t.metrics.RecordLockoutCheck(ctx, string(typ), false)
		instrumentation.SetSpanSuccess(span)
		return Status{}, nil
	}
	if err != nil {
		err = storeErr(err)
		instrumentation.RecordError(span, err)
		return Status{}, err
	}

	now := t.now()
	if lock.LockedUntil == nil || !lock.LockedUntil.After(now) {
		if err := t.store.ClearLock(ctx, lock.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			// The lock is over either way; a failed clear is retried next time.
			t.logger.Warn("Failed to clear expired lockout",
				"identifier_type", typ,
				"error", err)
		}
		t.metrics.RecordLockoutCheck(ctx, string(typ), false)
		instrumentation.SetSpanSuccess(span)
		return Status{}, nil
	}

	remaining := lock.LockedUntil.Sub(now)
	status := Status{
		Locked:           true,
		LockedUntil:      *lock.LockedUntil,
		RemainingMinutes: int(math.Ceil(remaining.Minutes())),
	}
	t.metrics.RecordLockoutCheck(ctx, string(typ), true)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrLocked, true))
	instrumentation.SetSpanSuccess(span)
	return status, nil
}

// RecordFailedAttempt stores a failed attempt and locks the identifier
// when the attempt count inside the window reaches MaxAttempts.
func (t *Tracker) RecordFailedAttempt(ctx context.Context, a Attempt) (Result, error) {
	ctx, span := t.tracer.Start(ctx, "lockout.record_failed_attempt",
		trace.WithAttributes(attribute.String(instrumentation.AttrIdentifierType, string(a.Type))))
	defer span.End()

	if err := checkIdentifier(a.Identifier, a.Type); err != nil {
		instrumentation.RecordError(span, err)
		return Result{}, err
	}

	now := t.now()
	rule := storage.CountRule{
		Since:           now.Add(-t.window),
		MaxAttempts:     t.maxAttempts,
		LockoutDuration: t.lockoutDuration,
	}
	stored, err := t.store.AppendFailure(ctx, &storage.LoginAttempt{
		ID:             uuid.NewString(),
		Identifier:     a.Identifier,
		IdentifierType: a.Type,
		IPAddress:      a.IPAddress,
		UserAgent:      util.SafeTruncate(a.UserAgent, MaxUserAgentLength),
		AttemptTime:    now,
	}, rule)
	if err != nil {
		err = storeErr(err)
		instrumentation.RecordError(span, err)
		return Result{}, err
	}

	res := Result{
		Locked:            stored.IsLocked,
		AttemptsRemaining: max(0, t.maxAttempts-stored.AttemptCount),
	}
	t.metrics.RecordLoginFailure(ctx, string(a.Type), res.Locked)
	if res.Locked {
		t.logger.Warn("Identifier locked after repeated failed attempts",
			"identifier_type", a.Type,
			"attempts", stored.AttemptCount,
			"locked_until", stored.LockedUntil)
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrLocked, res.Locked))
	instrumentation.SetSpanSuccess(span)
	return res, nil
}

// ResetAttempts deletes every attempt for the identifier. Call it after a
// successful login.
func (t *Tracker) ResetAttempts(ctx context.Context, identifier string, typ storage.IdentifierType) error {
	if err := checkIdentifier(identifier, typ); err != nil {
		return err
	}
	if _, err := t.store.DeleteAttempts(ctx, identifier, typ); err != nil {
		return storeErr(err)
	}
	return nil
}

// Unlock clears every lock for the identifier and returns the number of
// attempts changed. Attempts themselves are kept.
func (t *Tracker) Unlock(ctx context.Context, identifier string, typ storage.IdentifierType) (int64, error) {
	if err := checkIdentifier(identifier, typ); err != nil {
		return 0, err
	}
	n, err := t.store.Unlock(ctx, identifier, typ)
	if err != nil {
		return 0, storeErr(err)
	}
	t.logger.Info("Identifier unlocked", "identifier_type", typ, "records", n)
	return n, nil
}

// CleanupExpired deletes locked attempts whose lock has ended, then
// unlocked attempts older than twice the window.
func (t *Tracker) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	now := t.now()
	var res CleanupResult

	n, err := t.store.DeleteExpiredLocks(ctx, now)
	if err != nil {
		return res, storeErr(err)
	}
	res.ExpiredLocks = n

	if t.sweeper == nil {
		return res, nil
	}
	n, err = t.sweeper.Sweep(ctx, storage.SweepCriteria{
		Resource: storage.ResourceLoginAttempts,
		Field:    storage.FieldAttemptTime,
		Before:   now.Add(-2 * t.window),
		Match:    map[string]bool{storage.FlagIsLocked: false},
	})
	if err != nil {
		return res, storeErr(err)
	}
	res.OldAttempts = n

	if res.Total() > 0 {
		t.logger.Info("Cleaned up login attempts",
			"expired_locks", res.ExpiredLocks,
			"old_attempts", res.OldAttempts)
	}
	return res, nil
}

// Stats counts active lockouts and attempts inside the window. A store
// failure is logged and reported through Stats.Available.
func (t *Tracker) Stats(ctx context.Context) Stats {
	now := t.now()
	s, err := t.store.LockoutStats(ctx, now, now.Add(-t.window))
	if err != nil {
		t.logger.Error("Failed to read lockout stats", "error", err)
		return Stats{}
	}
	return Stats{
		ActiveLockouts: s.ActiveLockouts,
		RecentAttempts: s.RecentAttempts,
		Available:      true,
	}
}

func checkIdentifier(identifier string, typ storage.IdentifierType) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidIdentifier)
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidIdentifier, typ)
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
