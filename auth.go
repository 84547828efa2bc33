package reqguard

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/lockout"
	"github.com/giantswarm/reqguard/security"
	"github.com/giantswarm/reqguard/storage"
)

// LoginRequest describes one authentication attempt.
type LoginRequest struct {
	// Identifier is the account name (required).
	Identifier string

	// IdentifierType is IdentifierUsername (default) or IdentifierEmail.
	IdentifierType storage.IdentifierType

	// IPAddress is the client address. It is throttled and tracked as its
	// own lockout identifier.
	IPAddress string

	UserAgent string
}

// VerifyFunc checks the credentials. It returns false, nil for wrong
// credentials and a non-nil error only when verification itself failed.
type VerifyFunc func(ctx context.Context) (bool, error)

// Authenticate runs verify behind the login throttle and the lockout
// tracker. The identifier and the client IP are checked for locks in
// parallel; while either is locked verify is never called. A failure is
// recorded for both, a success resets the identifier's attempts.
//
// Lock checks fail closed: a store failure rejects the attempt with
// store_unavailable. The returned error is an *Error ready for WriteError,
// except when verify itself fails.
func (g *Guard) Authenticate(ctx context.Context, req LoginRequest, verify VerifyFunc) (err error) {
	ctx, span := g.tracer.Start(ctx, "reqguard.authenticate",
		trace.WithAttributes(attribute.String("identifier_type", string(req.IdentifierType))))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}()

	if req.IdentifierType == "" {
		req.IdentifierType = storage.IdentifierUsername
	}
	if req.Identifier == "" || (req.IdentifierType != storage.IdentifierUsername && req.IdentifierType != storage.IdentifierEmail) {
		return ErrInvalidRequest("A username or email is required")
	}

	if req.IPAddress != "" && !g.throttle.Allow(req.IPAddress) {
		g.metrics.RecordRateLimitExceeded(ctx, "login")
		g.auditor.LogRateLimitExceeded(ctx, req.IPAddress)
		return ErrRateLimitExceeded("Too many login attempts. Please try again later.")
	}

	if rejection := g.checkLocks(ctx, req); rejection != nil {
		return rejection
	}

	ok, err := verify(ctx)
	if err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	if ok {
		if err := g.tracker.ResetAttempts(ctx, req.Identifier, req.IdentifierType); err != nil {
			g.logger.Error("Failed to reset login attempts", "error", err)
		}
		g.auditor.LogEvent(ctx, security.Event{
			Type:      security.EventLoginSucceeded,
			Actor:     req.Identifier,
			IPAddress: req.IPAddress,
		})
		return nil
	}

	return g.recordFailure(ctx, req)
}

// checkLocks returns the rejection for the longest active lock, if any.
func (g *Guard) checkLocks(ctx context.Context, req LoginRequest) *Error {
	var identStatus, ipStatus lockout.Status

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		identStatus, err = g.tracker.IsLocked(egCtx, req.Identifier, req.IdentifierType)
		return err
	})
	if req.IPAddress != "" {
		eg.Go(func() error {
			var err error
			ipStatus, err = g.tracker.IsLocked(egCtx, req.IPAddress, storage.IdentifierIP)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Error("Lockout check failed, rejecting login", "error", err)
		return ErrStoreUnavailable("Authentication is temporarily unavailable. Please try again later.")
	}

	if !identStatus.Locked && !ipStatus.Locked {
		return nil
	}
	remaining := max(identStatus.RemainingMinutes, ipStatus.RemainingMinutes)
	g.auditor.LogLockedLoginAttempt(ctx, req.Identifier, req.IPAddress, remaining)
	return ErrAccountLocked(remaining)
}

// recordFailure counts the failure against the identifier and the IP.
func (g *Guard) recordFailure(ctx context.Context, req LoginRequest) error {
	attempts := []lockout.Attempt{{
		Identifier: req.Identifier,
		Type:       req.IdentifierType,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	}}
	if req.IPAddress != "" {
		attempts = append(attempts, lockout.Attempt{
			Identifier: req.IPAddress,
			Type:       storage.IdentifierIP,
			IPAddress:  req.IPAddress,
			UserAgent:  req.UserAgent,
		})
	}

	locked := false
	remaining := g.tracker.MaxAttempts()
	for _, a := range attempts {
		res, err := g.tracker.RecordFailedAttempt(ctx, a)
		if err != nil {
			g.logger.Error("Failed to record login failure", "identifier_type", a.Type, "error", err)
			return ErrStoreUnavailable("Authentication is temporarily unavailable. Please try again later.")
		}
		remaining = min(remaining, res.AttemptsRemaining)
		if res.Locked {
			locked = true
			g.auditor.LogAccountLocked(ctx, string(a.Type), a.Identifier, req.IPAddress)
		} else {
			g.auditor.LogLoginFailed(ctx, string(a.Type), a.Identifier, req.IPAddress, res.AttemptsRemaining)
		}
	}

	if locked {
		return ErrAccountLocked(int(math.Ceil(g.config.Lockout.Duration.Minutes())))
	}
	return ErrInvalidCredentials(remaining)
}
