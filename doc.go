// Package reqguard protects an administrative HTTP API against cross-site
// request forgery, credential brute forcing and abusive structured input,
// and keeps the security records those protections produce bounded.
//
// A Guard wires the pieces together:
//
//   - csrf.Guardian issues stateless tokens bound to a session; RequireCSRF
//     verifies them from the X-CSRF-Token header or a csrf_token body field.
//   - RequireSameOrigin rejects state-changing requests whose Origin or
//     Referer is not an allowed origin.
//   - Authenticate runs a credential check behind a per-IP login throttle and
//     the lockout.Tracker, which locks an identifier and the client IP after
//     repeated failures.
//   - DecodeJSON bounds request bodies and validates every field tagged
//     `jsonb` for size, depth, cycles and allowed keys.
//   - The retention.Sweeper deletes expired sessions, old attempts and audit
//     events on independent timers.
//
// Basic setup:
//
//	cfg, err := reqguard.LoadConfig("reqguard.yaml")
//	if err != nil {
//		return err
//	}
//	store := memory.New()
//	guard, err := reqguard.New(cfg, reqguard.Options{
//		Attempts:    store,
//		Sweepers:    retention.All(store),
//		AuditWriter: store,
//	})
//	if err != nil {
//		return err
//	}
//	defer guard.Close()
//	guard.Start(ctx)
//
//	mux.Handle("/admin/", guard.RequireSameOrigin(auth(guard.RequireCSRF(adminAPI))))
//
// Every rejection is an *Error with a stable code and HTTP status; WriteError
// renders it as {"error": ..., "error_description": ...}.
package reqguard
