package security

// Event type constants for security audit logging.
const (
	// CSRF events

	// EventCSRFTokenIssued is logged when a CSRF token is issued for a session
	EventCSRFTokenIssued = "csrf_token_issued" //nolint:gosec // G101: event type name, not a credential

	// EventCSRFRejected is logged when a tagged route rejects a request
	EventCSRFRejected = "csrf_rejected"

	// EventOriginRejected is logged when a mutating request comes from a foreign origin
	EventOriginRejected = "origin_rejected"

	// Lockout events

	// EventLoginFailed is logged for each failed authentication attempt
	EventLoginFailed = "login_failed"

	// EventAccountLocked is logged when an identifier crosses the failure threshold
	EventAccountLocked = "account_locked"

	// EventLockedLoginAttempt is logged when a locked identifier tries to authenticate
	EventLockedLoginAttempt = "locked_login_attempt"

	// EventLoginSucceeded is logged when authentication succeeds and attempts are reset
	EventLoginSucceeded = "login_succeeded"

	// EventAccountUnlocked is logged for an administrative unlock
	EventAccountUnlocked = "account_unlocked"

	// EventRateLimitExceeded is logged when the login throttle rejects a client
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Input events

	// EventInputRejected is logged when structured input fails validation
	EventInputRejected = "input_rejected"

	// Retention events

	// EventRetentionRun is logged when an administrator triggers all sweeps
	EventRetentionRun = "retention_run"
)
