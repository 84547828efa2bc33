package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/storage"
)

// Auditor logs security events with hashed identifiers and, when a writer
// is configured, persists them as audit events for the retention sweeper
// to expire.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	writer  storage.AuditEventWriter
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetWriter persists every subsequent event through w.
func (a *Auditor) SetWriter(w storage.AuditEventWriter) {
	a.writer = w
}

// SetInstrumentation counts events in the audit metric.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.metrics = inst.Metrics()
}

// Event represents a security audit event. Actor is hashed before it is
// logged or stored.
type Event struct {
	Type      string
	Actor     string
	IPAddress string
	Details   map[string]any
}

// LogEvent logs a security event. Persistence failures are logged and
// never returned: auditing must not change the outcome of a request.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	now := a.now()
	actorHash := hashForLogging(event.Actor)

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"actor_hash", actorHash,
		"ip_address", event.IPAddress,
		"request_id", GetRequestID(ctx),
		"details", event.Details,
		"timestamp", now,
	)
	a.metrics.RecordAuditEvent(ctx, event.Type)

	if a.writer == nil {
		return
	}
	record := &storage.AuditEvent{
		ID:        uuid.NewString(),
		EventType: event.Type,
		ActorHash: actorHash,
		IPAddress: event.IPAddress,
		Details:   event.Details,
		Timestamp: now,
	}
	if err := a.writer.AppendAuditEvent(ctx, record); err != nil {
		a.logger.WarnContext(ctx, "Failed to persist audit event",
			"event_type", event.Type,
			"error", err)
	}
}

// LogLoginFailed logs a failed attempt for one tracked identifier
func (a *Auditor) LogLoginFailed(ctx context.Context, identifierType, identifier, ipAddress string, attemptsRemaining int) {
	a.LogEvent(ctx, Event{
		Type:      EventLoginFailed,
		Actor:     identifier,
		IPAddress: ipAddress,
		Details: map[string]any{
			"identifier_type":    identifierType,
			"attempts_remaining": attemptsRemaining,
		},
	})
}

// LogAccountLocked logs that an identifier crossed the failure threshold
func (a *Auditor) LogAccountLocked(ctx context.Context, identifierType, identifier, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventAccountLocked,
		Actor:     identifier,
		IPAddress: ipAddress,
		Details:   map[string]any{"identifier_type": identifierType},
	})
}

// LogLockedLoginAttempt logs an attempt refused because of an active lock
func (a *Auditor) LogLockedLoginAttempt(ctx context.Context, identifier, ipAddress string, remainingMinutes int) {
	a.LogEvent(ctx, Event{
		Type:      EventLockedLoginAttempt,
		Actor:     identifier,
		IPAddress: ipAddress,
		Details:   map[string]any{"remaining_minutes": remainingMinutes},
	})
}

// LogAccountUnlocked logs an administrative unlock
func (a *Auditor) LogAccountUnlocked(ctx context.Context, identifierType, identifier, adminID string, records int64) {
	a.LogEvent(ctx, Event{
		Type:  EventAccountUnlocked,
		Actor: identifier,
		Details: map[string]any{
			"identifier_type": identifierType,
			"admin_hash":      hashForLogging(adminID),
			"records":         records,
		},
	})
}

// LogCSRFRejected logs a request rejected by the CSRF guard
func (a *Auditor) LogCSRFRejected(ctx context.Context, sessionID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventCSRFRejected,
		Actor:     sessionID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a throttled client
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
