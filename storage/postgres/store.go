// Package postgres implements the reqguard storage interfaces on PostgreSQL
// through GORM.
//
// Counting and inserting a failed login attempt run in one transaction that
// first takes a transaction-scoped advisory lock on the identifier, so
// concurrent failures across replicas observe distinct counts. Sweeps are
// single DELETE statements built from validated criteria.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/storage"
)

// Store implements AttemptStore, RecordSweeper, AdminSessionStore and
// AuditEventWriter.
type Store struct {
	db       *gorm.DB
	observer *instrumentation.StorageObserver
	logger   *slog.Logger
}

var (
	_ storage.AttemptStore      = (*Store)(nil)
	_ storage.RecordSweeper     = (*Store)(nil)
	_ storage.AdminSessionStore = (*Store)(nil)
	_ storage.AuditEventWriter  = (*Store)(nil)
)

// New wraps an open connection pool.
func New(db *gorm.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// Open connects, optionally migrates, and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := RunMigrations(ctx, db, cfg.Logger); err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
	}
	s := New(db)
	s.SetLogger(cfg.Logger)
	return s, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, "postgres")
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================
// AttemptStore Implementation
// ============================================================

// AppendFailure serializes writers per identifier with
// pg_advisory_xact_lock, counts the window and inserts in one transaction.
func (s *Store) AppendFailure(ctx context.Context, attempt *storage.LoginAttempt, rule storage.CountRule) (_ *storage.LoginAttempt, err error) {
	ctx, done := s.observer.Start(ctx, "append_failure")
	defer func() { done(err) }()

	if attempt == nil || attempt.ID == "" || attempt.Identifier == "" || !attempt.IdentifierType.Valid() {
		return nil, fmt.Errorf("%w: attempt requires an ID, identifier and known type", storage.ErrInvalidRecord)
	}

	stored := *attempt
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key := string(attempt.IdentifierType) + ":" + attempt.Identifier
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var count int64
		if err := tx.Model(&loginAttemptModel{}).
			Where("identifier = ? AND identifier_type = ? AND attempt_time >= ?",
				attempt.Identifier, string(attempt.IdentifierType), rule.Since).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}

		rule.Apply(&stored, int(count)+1)
		rec := toAttemptModel(&stored)
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// LatestLock returns the locked attempt with the latest locked_until.
func (s *Store) LatestLock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ *storage.LoginAttempt, err error) {
	ctx, done := s.observer.Start(ctx, "latest_lock")
	defer func() { done(err) }()

	var rec loginAttemptModel
	err = s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ? AND is_locked = ? AND locked_until IS NOT NULL",
			identifier, string(typ), true).
		Order("locked_until DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toLoginAttempt(rec), nil
}

// ClearLock clears the lock on one attempt.
func (s *Store) ClearLock(ctx context.Context, id string) (err error) {
	ctx, done := s.observer.Start(ctx, "clear_lock")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).
		Model(&loginAttemptModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_locked": false, "locked_until": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Unlock clears every lock held by the identifier.
func (s *Store) Unlock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "unlock")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).
		Model(&loginAttemptModel{}).
		Where("identifier = ? AND identifier_type = ? AND is_locked = ?", identifier, string(typ), true).
		Updates(map[string]any{"is_locked": false, "locked_until": nil})
	return res.RowsAffected, res.Error
}

// DeleteAttempts removes every attempt for the identifier.
func (s *Store) DeleteAttempts(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_attempts")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ?", identifier, string(typ)).
		Delete(&loginAttemptModel{})
	return res.RowsAffected, res.Error
}

// DeleteExpiredLocks removes locked attempts whose lock ended before now.
func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired_locks")
	defer func() { done(err) }()

	res := s.db.WithContext(ctx).
		Where("is_locked = ? AND locked_until < ?", true, now).
		Delete(&loginAttemptModel{})
	return res.RowsAffected, res.Error
}

// LockoutStats counts locks active at now and attempts since since.
func (s *Store) LockoutStats(ctx context.Context, now, since time.Time) (_ storage.LockoutStats, err error) {
	ctx, done := s.observer.Start(ctx, "lockout_stats")
	defer func() { done(err) }()

	var stats storage.LockoutStats
	db := s.db.WithContext(ctx)
	if err = db.Model(&loginAttemptModel{}).
		Where("is_locked = ? AND locked_until > ?", true, now).
		Count(&stats.ActiveLockouts).Error; err != nil {
		return stats, err
	}
	err = db.Model(&loginAttemptModel{}).
		Where("attempt_time >= ?", since).
		Count(&stats.RecentAttempts).Error
	return stats, err
}

// ============================================================
// Sessions and audit events
// ============================================================

// SaveSession inserts or replaces a user session.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, done := s.observer.Start(ctx, "save_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session requires an ID", storage.ErrInvalidRecord)
	}
	rec := toSessionModel(session)
	return s.db.WithContext(ctx).Save(&rec).Error
}

// SaveAdminSession inserts or replaces an administrator session.
func (s *Store) SaveAdminSession(ctx context.Context, session *storage.AdminSession) (err error) {
	ctx, done := s.observer.Start(ctx, "save_admin_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" || session.TokenHash == "" {
		return fmt.Errorf("%w: admin session requires an ID and token hash", storage.ErrInvalidRecord)
	}
	rec := toAdminSessionModel(session)
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetAdminSession returns the active administrator session for tokenHash.
func (s *Store) GetAdminSession(ctx context.Context, tokenHash string) (_ *storage.AdminSession, err error) {
	ctx, done := s.observer.Start(ctx, "get_admin_session")
	defer func() { done(err) }()

	var rec adminSessionModel
	err = s.db.WithContext(ctx).
		Where("token_hash = ? AND is_active = ?", tokenHash, true).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toAdminSession(rec), nil
}

// AppendAuditEvent inserts a security event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) (err error) {
	ctx, done := s.observer.Start(ctx, "append_audit_event")
	defer func() { done(err) }()

	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: audit event requires an ID", storage.ErrInvalidRecord)
	}
	rec, err := toAuditEventModel(event)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// ============================================================
// RecordSweeper Implementation
// ============================================================

// Sweep issues one DELETE qualified by every part of c.
func (s *Store) Sweep(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "sweep")
	defer func() { done(err) }()

	model, where, err := sweepQuery(c)
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Clauses(where).Delete(model)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("Swept records", "criteria", c.String(), "deleted", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// CountSweepable counts the rows Sweep would delete for c.
func (s *Store) CountSweepable(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "count_sweepable")
	defer func() { done(err) }()

	model, where, err := sweepQuery(c)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.WithContext(ctx).Model(model).Clauses(where).Count(&n).Error
	return n, err
}

// sweepQuery validates c and turns it into a model and WHERE clause. Column
// names only reach SQL after Validate has checked them against the schema.
func sweepQuery(c storage.SweepCriteria) (any, clause.Where, error) {
	if err := c.Validate(); err != nil {
		return nil, clause.Where{}, err
	}
	model, ok := modelFor(c.Resource)
	if !ok {
		return nil, clause.Where{}, fmt.Errorf("%w: no table for %q", storage.ErrUnsupportedCriteria, c.Resource)
	}

	exprs := []clause.Expression{
		clause.Lt{Column: clause.Column{Name: c.Field}, Value: c.Before},
	}
	flags := make([]string, 0, len(c.Match))
	for flag := range c.Match {
		flags = append(flags, flag)
	}
	sort.Strings(flags)
	for _, flag := range flags {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: flag}, Value: c.Match[flag]})
	}
	return model, clause.Where{Exprs: exprs}, nil
}
