package postgres

import (
	"encoding/json"
	"time"

	"github.com/giantswarm/reqguard/storage"
)

type loginAttemptModel struct {
	ID             string     `gorm:"column:id;type:uuid;primaryKey"`
	Identifier     string     `gorm:"column:identifier"`
	IdentifierType string     `gorm:"column:identifier_type"`
	IPAddress      *string    `gorm:"column:ip_address"`
	UserAgent      *string    `gorm:"column:user_agent"`
	IsLocked       bool       `gorm:"column:is_locked"`
	LockedUntil    *time.Time `gorm:"column:locked_until"`
	AttemptCount   int        `gorm:"column:attempt_count"`
	AttemptTime    time.Time  `gorm:"column:attempt_time"`
}

func (loginAttemptModel) TableName() string { return string(storage.ResourceLoginAttempts) }

type sessionModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	UserID         string     `gorm:"column:user_id"`
	TokenHash      string     `gorm:"column:token_hash"`
	ExpiresAt      time.Time  `gorm:"column:expires_at"`
	LastActivityAt *time.Time `gorm:"column:last_activity_at"`
	IsActive       bool       `gorm:"column:is_active"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

func (sessionModel) TableName() string { return string(storage.ResourceSessions) }

type adminSessionModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	AdminID        string     `gorm:"column:admin_id"`
	TokenHash      string     `gorm:"column:token_hash"`
	IPAddress      *string    `gorm:"column:ip_address"`
	UserAgent      *string    `gorm:"column:user_agent"`
	ExpiresAt      time.Time  `gorm:"column:expires_at"`
	LastActivityAt *time.Time `gorm:"column:last_activity_at"`
	IsActive       bool       `gorm:"column:is_active"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

func (adminSessionModel) TableName() string { return string(storage.ResourceAdminSessions) }

type idempotencyKeyModel struct {
	Key            string    `gorm:"column:key;primaryKey"`
	UserID         string    `gorm:"column:user_id"`
	Endpoint       string    `gorm:"column:endpoint"`
	ResponseStatus int       `gorm:"column:response_status"`
	ResponseBody   *string   `gorm:"column:response_body"`
	ExpiresAt      time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (idempotencyKeyModel) TableName() string { return string(storage.ResourceIdempotencyKeys) }

type rateLimitModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id"`
	Endpoint     string    `gorm:"column:endpoint"`
	RequestCount int       `gorm:"column:request_count"`
	WindowStart  time.Time `gorm:"column:window_start"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (rateLimitModel) TableName() string { return string(storage.ResourceRateLimits) }

type auditEventModel struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey"`
	EventType string    `gorm:"column:event_type"`
	ActorHash *string   `gorm:"column:actor_hash"`
	IPAddress *string   `gorm:"column:ip_address"`
	Details   *string   `gorm:"column:details;type:jsonb"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (auditEventModel) TableName() string { return string(storage.ResourceAuditEvents) }

// modelFor maps a sweepable resource to its table model.
func modelFor(r storage.Resource) (any, bool) {
	switch r {
	case storage.ResourceSessions:
		return &sessionModel{}, true
	case storage.ResourceAdminSessions:
		return &adminSessionModel{}, true
	case storage.ResourceIdempotencyKeys:
		return &idempotencyKeyModel{}, true
	case storage.ResourceRateLimits:
		return &rateLimitModel{}, true
	case storage.ResourceLoginAttempts:
		return &loginAttemptModel{}, true
	case storage.ResourceAuditEvents:
		return &auditEventModel{}, true
	}
	return nil, false
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func toAttemptModel(a *storage.LoginAttempt) loginAttemptModel {
	return loginAttemptModel{
		ID:             a.ID,
		Identifier:     a.Identifier,
		IdentifierType: string(a.IdentifierType),
		IPAddress:      nullableString(a.IPAddress),
		UserAgent:      nullableString(a.UserAgent),
		IsLocked:       a.IsLocked,
		LockedUntil:    a.LockedUntil,
		AttemptCount:   a.AttemptCount,
		AttemptTime:    a.AttemptTime,
	}
}

func toLoginAttempt(m loginAttemptModel) *storage.LoginAttempt {
	return &storage.LoginAttempt{
		ID:             m.ID,
		Identifier:     m.Identifier,
		IdentifierType: storage.IdentifierType(m.IdentifierType),
		IPAddress:      stringValue(m.IPAddress),
		UserAgent:      stringValue(m.UserAgent),
		IsLocked:       m.IsLocked,
		LockedUntil:    m.LockedUntil,
		AttemptCount:   m.AttemptCount,
		AttemptTime:    m.AttemptTime,
	}
}

func toAdminSessionModel(s *storage.AdminSession) adminSessionModel {
	return adminSessionModel{
		ID:             s.ID,
		AdminID:        s.AdminID,
		TokenHash:      s.TokenHash,
		IPAddress:      nullableString(s.IPAddress),
		UserAgent:      nullableString(s.UserAgent),
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: nullableTime(s.LastActivityAt),
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt,
	}
}

func toAdminSession(m adminSessionModel) *storage.AdminSession {
	return &storage.AdminSession{
		ID:             m.ID,
		AdminID:        m.AdminID,
		TokenHash:      m.TokenHash,
		IPAddress:      stringValue(m.IPAddress),
		UserAgent:      stringValue(m.UserAgent),
		ExpiresAt:      m.ExpiresAt,
		LastActivityAt: timeValue(m.LastActivityAt),
		IsActive:       m.IsActive,
		CreatedAt:      m.CreatedAt,
	}
}

func toSessionModel(s *storage.Session) sessionModel {
	return sessionModel{
		ID:             s.ID,
		UserID:         s.UserID,
		TokenHash:      s.TokenHash,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: nullableTime(s.LastActivityAt),
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt,
	}
}

func toAuditEventModel(e *storage.AuditEvent) (auditEventModel, error) {
	m := auditEventModel{
		ID:        e.ID,
		EventType: e.EventType,
		ActorHash: nullableString(e.ActorHash),
		IPAddress: nullableString(e.IPAddress),
		Timestamp: e.Timestamp,
	}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return m, err
		}
		details := string(raw)
		m.Details = &details
	}
	return m, nil
}
