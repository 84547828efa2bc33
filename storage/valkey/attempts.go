package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/reqguard/storage"
)

// ============================================================
// AttemptStore Implementation
// ============================================================

// AppendFailure counts and inserts in one Lua script, so concurrent failures
// for one identifier observe distinct counts on every replica.
// Times are stored with millisecond precision.
func (s *Store) AppendFailure(ctx context.Context, attempt *storage.LoginAttempt, rule storage.CountRule) (_ *storage.LoginAttempt, err error) {
	ctx, done := s.observer.Start(ctx, "append_failure")
	defer func() { done(err) }()

	if attempt == nil || attempt.ID == "" || attempt.Identifier == "" || !attempt.IdentifierType.Valid() {
		return nil, fmt.Errorf("%w: attempt requires an ID, identifier and known type", storage.ErrInvalidRecord)
	}

	lockedUntil := attempt.AttemptTime.Add(rule.LockoutDuration)
	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAppendFailure).
			Numkeys(5).
			Key(
				s.identAttemptsKey(attempt.Identifier, attempt.IdentifierType),
				s.identLocksKey(attempt.Identifier, attempt.IdentifierType),
				s.allAttemptsKey(),
				s.allLocksKey(),
				s.attemptKey(attempt.ID),
			).
			Arg(
				millis(rule.Since),
				strconv.Itoa(rule.MaxAttempts),
				millis(attempt.AttemptTime),
				millis(lockedUntil),
				attempt.ID,
				attempt.Identifier,
				string(attempt.IdentifierType),
				attempt.IPAddress,
				attempt.UserAgent,
			).
			Build(),
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to append attempt: %w", err)
	}

	stored := *attempt
	rule.Apply(&stored, int(count))
	if stored.IsLocked {
		s.logger.Debug("Stored locking attempt",
			"identifier_type", attempt.IdentifierType,
			"count", count)
	}
	return &stored, nil
}

// LatestLock returns the identifier's lock with the latest locked-until time.
func (s *Store) LatestLock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ *storage.LoginAttempt, err error) {
	ctx, done := s.observer.Start(ctx, "latest_lock")
	defer func() { done(err) }()

	fields, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaLatestLock).
			Numkeys(1).
			Key(s.identLocksKey(identifier, typ)).
			Arg(s.attemptKeyPrefix()).
			Build(),
	).AsStrSlice()
	if isNilError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest lock: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseAttempt(fields)
}

// ClearLock clears the lock on one attempt.
func (s *Store) ClearLock(ctx context.Context, id string) (err error) {
	ctx, done := s.observer.Start(ctx, "clear_lock")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClearLock).
			Numkeys(2).
			Key(s.attemptKey(id), s.allLocksKey()).
			Arg(s.identLocksPrefix(), id).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to clear lock: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Unlock clears every lock held by the identifier.
func (s *Store) Unlock(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "unlock")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaUnlock).
			Numkeys(2).
			Key(s.identLocksKey(identifier, typ), s.allLocksKey()).
			Arg(s.attemptKeyPrefix()).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to unlock: %w", err)
	}
	return n, nil
}

// DeleteAttempts removes every attempt for the identifier.
func (s *Store) DeleteAttempts(ctx context.Context, identifier string, typ storage.IdentifierType) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_attempts")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteAttempts).
			Numkeys(4).
			Key(
				s.identAttemptsKey(identifier, typ),
				s.identLocksKey(identifier, typ),
				s.allAttemptsKey(),
				s.allLocksKey(),
			).
			Arg(s.attemptKeyPrefix()).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete attempts: %w", err)
	}
	return n, nil
}

// DeleteExpiredLocks removes locked attempts whose lock ended before now.
func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired_locks")
	defer func() { done(err) }()

	return s.sweepAttempts(ctx, storage.SweepCriteria{
		Resource: storage.ResourceLoginAttempts,
		Field:    storage.FieldLockedUntil,
		Before:   now,
		Match:    map[string]bool{storage.FlagIsLocked: true},
	}, false)
}

// LockoutStats counts locks active at now and attempts since since.
func (s *Store) LockoutStats(ctx context.Context, now, since time.Time) (_ storage.LockoutStats, err error) {
	ctx, done := s.observer.Start(ctx, "lockout_stats")
	defer func() { done(err) }()

	counts, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaLockoutStats).
			Numkeys(2).
			Key(s.allLocksKey(), s.allAttemptsKey()).
			Arg(millis(now), millis(since)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return storage.LockoutStats{}, fmt.Errorf("failed to count lockouts: %w", err)
	}
	if len(counts) != 2 {
		return storage.LockoutStats{}, fmt.Errorf("unexpected lockout stats reply of length %d", len(counts))
	}
	return storage.LockoutStats{ActiveLockouts: counts[0], RecentAttempts: counts[1]}, nil
}

// ============================================================
// RecordSweeper Implementation
// ============================================================

// Sweep removes login attempts matching c. Other resources are not kept in
// Valkey and are rejected with storage.ErrUnsupportedCriteria.
func (s *Store) Sweep(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "sweep")
	defer func() { done(err) }()

	if err = checkCriteria(c); err != nil {
		return 0, err
	}
	n, err := s.sweepAttempts(ctx, c, false)
	if n > 0 {
		s.logger.Debug("Swept records", "criteria", c.String(), "deleted", n)
	}
	return n, err
}

// CountSweepable counts the attempts Sweep would remove for c.
func (s *Store) CountSweepable(ctx context.Context, c storage.SweepCriteria) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "count_sweepable")
	defer func() { done(err) }()

	if err = checkCriteria(c); err != nil {
		return 0, err
	}
	return s.sweepAttempts(ctx, c, true)
}

func checkCriteria(c storage.SweepCriteria) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Resource != storage.ResourceLoginAttempts {
		return fmt.Errorf("%w: valkey only stores %s", storage.ErrUnsupportedCriteria, storage.ResourceLoginAttempts)
	}
	return nil
}

// sweepAttempts runs luaSweepAttempts batch by batch. Each batch is atomic and
// re-checks the criteria, so a concurrent writer can never lose a record that
// stopped matching. Records that were examined but kept advance the offset.
func (s *Store) sweepAttempts(ctx context.Context, c storage.SweepCriteria, dryRun bool) (int64, error) {
	index := s.allAttemptsKey()
	if c.Field == storage.FieldLockedUntil {
		index = s.allLocksKey()
	}
	match := ""
	if want, ok := c.Match[storage.FlagIsLocked]; ok {
		match = flag(want)
	}
	dry := flag(dryRun)

	var total, offset int64
	for {
		res, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSweepAttempts).
				Numkeys(3).
				Key(index, s.allAttemptsKey(), s.allLocksKey()).
				Arg(
					s.attemptKeyPrefix(),
					s.identAttemptsPrefix(),
					s.identLocksPrefix(),
					millis(c.Before),
					match,
					strconv.FormatInt(offset, 10),
					strconv.Itoa(sweepBatchSize),
					dry,
				).
				Build(),
		).AsIntSlice()
		if err != nil {
			return total, fmt.Errorf("failed to sweep attempts: %w", err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("unexpected sweep reply of length %d", len(res))
		}

		matched, scanned := res[0], res[1]
		total += matched
		if scanned < sweepBatchSize {
			return total, nil
		}
		offset += scanned
		if !dryRun {
			offset -= matched
		}
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseAttempt decodes the flat field/value list returned by HGETALL.
func parseAttempt(fields []string) (*storage.LoginAttempt, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("malformed attempt hash with %d fields", len(fields))
	}
	m := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		m[fields[i]] = fields[i+1]
	}

	a := &storage.LoginAttempt{
		ID:             m["id"],
		Identifier:     m["identifier"],
		IdentifierType: storage.IdentifierType(m["identifier_type"]),
		IPAddress:      m["ip_address"],
		UserAgent:      m["user_agent"],
		IsLocked:       m["is_locked"] == "1",
	}

	count, err := strconv.Atoi(m["attempt_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempt_count: %w", err)
	}
	a.AttemptCount = count

	if a.AttemptTime, err = fromMillis(m["attempt_time"]); err != nil {
		return nil, fmt.Errorf("invalid attempt_time: %w", err)
	}
	if v := m["locked_until"]; v != "" {
		until, err := fromMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid locked_until: %w", err)
		}
		a.LockedUntil = &until
	}
	return a, nil
}
