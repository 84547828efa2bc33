package reqguard

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/giantswarm/reqguard/lockout"
	"github.com/giantswarm/reqguard/security"
	"github.com/giantswarm/reqguard/storage"
)

// actorFromContext returns the principal, or "unknown".
func actorFromContext(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return "unknown"
}

// csrfTokenResponse is returned by ServeCSRFToken.
type csrfTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
	ExpiresIn int64  `json:"expires_in"`
}

// unlockRequest is the body accepted by ServeUnlock.
type unlockRequest struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type"`
}

type unlockResponse struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type"`
	Unlocked       int64  `json:"unlocked"`
}

// ServeCSRFToken issues a token bound to the authenticated session.
func (g *Guard) ServeCSRFToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := SessionIDFromContext(ctx)
	if !ok {
		WriteError(w, ErrAuthenticationRequired("Authentication required to obtain a CSRF token"))
		return
	}

	token, err := g.csrf.Issue(sessionID)
	if err != nil {
		g.logger.Error("Failed to issue CSRF token", "error", err)
		WriteError(w, ErrServerError("Failed to generate CSRF token"))
		return
	}
	g.metrics.RecordCSRFIssued(ctx)

	security.SetNoStoreHeaders(w)
	writeJSON(w, http.StatusOK, csrfTokenResponse{
		CSRFToken: token,
		ExpiresIn: int64(math.Round(g.csrf.Lifetime().Seconds())),
	})
}

// ServeRetentionRun runs every retention task once and returns the report.
func (g *Guard) ServeRetentionRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := g.sweeper.RunAll(ctx)

	g.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventRetentionRun,
		Actor:     actorFromContext(r),
		IPAddress: g.ClientIP(r),
		Details: map[string]any{
			"deleted": report.Deleted,
			"failed":  report.Failed,
		},
	})
	writeJSON(w, http.StatusOK, report)
}

// ServeRetentionStats returns the number of records each task would delete.
func (g *Guard) ServeRetentionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.sweeper.Stats(r.Context()))
}

// ServeLockoutStats returns active lockout and recent attempt counts.
func (g *Guard) ServeLockoutStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.tracker.Stats(r.Context()))
}

// ServeUnlock clears every lock held by the identifier in the body.
func (g *Guard) ServeUnlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req unlockRequest
	if err := g.DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	typ := storage.IdentifierType(req.IdentifierType)
	if typ == "" {
		typ = storage.IdentifierUsername
	}

	n, err := g.tracker.Unlock(ctx, req.Identifier, typ)
	switch {
	case errors.Is(err, lockout.ErrInvalidIdentifier):
		WriteError(w, ErrInvalidRequest("identifier and a valid identifier_type are required"))
		return
	case err != nil:
		g.logger.Error("Failed to unlock identifier", "error", err)
		WriteError(w, ErrStoreUnavailable("Lockout store unavailable"))
		return
	}

	g.auditor.LogAccountUnlocked(ctx, string(typ), req.Identifier, actorFromContext(r), n)
	writeJSON(w, http.StatusOK, unlockResponse{
		Identifier:     req.Identifier,
		IdentifierType: string(typ),
		Unlocked:       n,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
