package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the request-security subsystem.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// CSRF
	CSRFTokensIssued   metric.Int64Counter
	CSRFVerifications  metric.Int64Counter
	OriginChecksFailed metric.Int64Counter

	// Lockout
	LockoutChecks  metric.Int64Counter
	LoginFailures  metric.Int64Counter
	AccountsLocked metric.Int64Counter

	// Structured input validation
	ValidationRejected metric.Int64Counter

	// Retention
	SweepRuns     metric.Int64Counter
	SweepDeleted  metric.Int64Counter
	SweepDuration metric.Float64Histogram

	// Security
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

type counterSpec struct {
	dst   *metric.Int64Counter
	scope string
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.CSRFTokensIssued, "csrf", "reqguard.csrf.tokens_issued", "Number of CSRF tokens issued", "{token}"},
		{&m.CSRFVerifications, "csrf", "reqguard.csrf.verifications", "CSRF verifications by result", "{verification}"},
		{&m.OriginChecksFailed, "csrf", "reqguard.csrf.origin_rejected", "Requests rejected by the origin check", "{request}"},
		{&m.LockoutChecks, "lockout", "reqguard.lockout.checks", "Lockout checks by identifier type and outcome", "{check}"},
		{&m.LoginFailures, "lockout", "reqguard.lockout.failures", "Failed login attempts recorded", "{attempt}"},
		{&m.AccountsLocked, "lockout", "reqguard.lockout.locks", "Identifiers locked after crossing the threshold", "{lock}"},
		{&m.ValidationRejected, "jsonb", "reqguard.jsonb.rejected", "Structured inputs rejected by kind", "{rejection}"},
		{&m.SweepRuns, "retention", "reqguard.retention.runs", "Retention sweep runs by task and result", "{run}"},
		{&m.SweepDeleted, "retention", "reqguard.retention.deleted", "Records deleted by retention sweeps", "{record}"},
		{&m.RateLimitExceeded, "security", "reqguard.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.AuditEventsTotal, "security", "reqguard.audit.events", "Security audit events logged", "{event}"},
		{&m.StorageOperationTotal, "storage", "reqguard.storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := inst.Meter(c.scope).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.SweepDuration, err = inst.Meter("retention").Float64Histogram(
		"reqguard.retention.duration",
		metric.WithDescription("Retention sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"reqguard.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordCSRFIssued records a CSRF token issuance
func (m *Metrics) RecordCSRFIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.CSRFTokensIssued.Add(ctx, 1)
}

// RecordCSRFVerification records a CSRF verification outcome
// ("ok", "missing", "malformed", "expired", "bad_signature", "no_session")
func (m *Metrics) RecordCSRFVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CSRFVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result)))
}

// RecordOriginRejected records a request rejected by the origin check
func (m *Metrics) RecordOriginRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.OriginChecksFailed.Add(ctx, 1)
}

// RecordLockoutCheck records an isLocked query
func (m *Metrics) RecordLockoutCheck(ctx context.Context, identifierType string, locked bool) {
	if m == nil {
		return
	}
	m.LockoutChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrIdentifierType, identifierType),
		attribute.Bool(AttrLocked, locked),
	))
}

// RecordLoginFailure records a failed attempt and, when it crossed the
// threshold, a new lock
func (m *Metrics) RecordLoginFailure(ctx context.Context, identifierType string, locked bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrIdentifierType, identifierType))
	m.LoginFailures.Add(ctx, 1, attrs)
	if locked {
		m.AccountsLocked.Add(ctx, 1, attrs)
	}
}

// RecordValidationRejected records a rejected structured input
func (m *Metrics) RecordValidationRejected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ValidationRejected.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrValidationKind, kind)))
}

// RecordSweep records a single retention task run
func (m *Metrics) RecordSweep(ctx context.Context, task string, deleted int64, err error, durationMs float64) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	taskAttr := attribute.String(AttrSweepTask, task)
	m.SweepRuns.Add(ctx, 1, metric.WithAttributes(taskAttr, attribute.String(AttrResult, result)))
	if deleted > 0 {
		m.SweepDeleted.Add(ctx, deleted, metric.WithAttributes(taskAttr))
	}
	m.SweepDuration.Record(ctx, durationMs, metric.WithAttributes(taskAttr))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRateLimiterType, limiterType)))
}

// RecordAuditEvent records a security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditEventType, eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
