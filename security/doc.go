// Package security provides the supporting security primitives of reqguard:
// a per-client login throttle, the security auditor, client IP extraction,
// constant-time comparison, no-store response headers and request IDs.
//
// # Login Throttle
//
// LoginThrottle applies a token bucket per client key with LRU eviction, so
// a distributed attack cannot grow memory without bound. It caps the rate of
// authentication attempts; the lockout tracker independently counts failures.
//
//	throttle := security.NewLoginThrottle(security.ThrottleConfig{AttemptsPerMinute: 10, Burst: 5})
//	defer throttle.Stop()
//
//	if !throttle.Allow(clientIP) {
//		// 429
//	}
//
// # Auditing
//
// Auditor logs security events through slog with identifiers hashed, and can
// persist them through a storage.AuditEventWriter. Persisted events are
// expired by the retention sweeper.
package security
