package reqguard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/reqguard/internal/util"
	"github.com/giantswarm/reqguard/security"
)

// CSRFHeader carries the CSRF token on guarded requests.
const CSRFHeader = "X-CSRF-Token"

// csrfBodyField is the body field checked when the header is absent.
const csrfBodyField = "csrf_token"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	actorKey     contextKey = "actor"
)

// ContextWithSessionID attaches the authenticated session ID that CSRF
// tokens are bound to. Authentication middleware calls it after validating
// the session; nothing else should.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ContextWithActor attaches the authenticated principal named in audit
// records written by the admin handlers.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// SessionIDFromContext returns the session ID attached by authentication.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

// RequireCSRF rejects requests that lack a valid CSRF token for the attached
// session. The token is read from the X-CSRF-Token header or from a
// csrf_token field of a JSON or form body; the body is restored for next.
// A missing session or token is rejected before the token is verified.
func (g *Guard) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientIP := g.ClientIP(r)

		sessionID, ok := SessionIDFromContext(ctx)
		if !ok {
			g.metrics.RecordCSRFVerification(ctx, "no_session")
			WriteError(w, ErrAuthenticationRequired("Authentication required for CSRF token validation"))
			return
		}

		token, err := g.csrfTokenFromRequest(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if token == "" {
			g.metrics.RecordCSRFVerification(ctx, "missing")
			g.auditor.LogCSRFRejected(ctx, sessionID, clientIP, "missing")
			WriteError(w, ErrCSRFTokenMissing())
			return
		}

		if err := g.csrf.Verify(token, sessionID); err != nil {
			rejection := ErrorFromCSRF(err)
			reason := csrfResult(rejection.Code)
			g.metrics.RecordCSRFVerification(ctx, reason)
			g.auditor.LogCSRFRejected(ctx, sessionID, clientIP, reason)
			g.logger.Warn("CSRF validation failed",
				"ip", clientIP,
				"path", r.URL.Path,
				"reason", reason)
			WriteError(w, rejection)
			return
		}

		g.metrics.RecordCSRFVerification(ctx, "ok")
		next.ServeHTTP(w, r)
	})
}

func csrfResult(code string) string {
	switch code {
	case ErrorCodeCSRFTokenMalformed:
		return "malformed"
	case ErrorCodeCSRFTokenExpired:
		return "expired"
	case ErrorCodeCSRFSignatureInvalid:
		return "bad_signature"
	}
	return "error"
}

// csrfTokenFromRequest prefers the header. Otherwise it reads the body up to
// the configured limit, looks for csrf_token and puts the bytes back.
func (g *Guard) csrfTokenFromRequest(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.Header.Get(CSRFHeader)); token != "" {
		return token, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" {
		return "", nil
	}

	limit := g.config.Validation.MaxBodyBytes
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "", ErrInvalidRequest("Failed to read request body")
	}
	if int64(len(raw)) > limit {
		return "", NewError(ErrorCodeInvalidRequest, "Request body too large", http.StatusRequestEntityTooLarge)
	}

	if mediaType == "application/json" {
		var body struct {
			CSRFToken string `json:"csrf_token"`
		}
		// Bodies that are not JSON objects simply carry no token.
		if json.Unmarshal(raw, &body) != nil {
			return "", nil
		}
		return strings.TrimSpace(body.CSRFToken), nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(values.Get(csrfBodyField)), nil
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// RequireSameOrigin rejects state-changing requests whose Origin, or Referer
// when Origin is absent, is not an allowed origin. Requests carrying neither
// header are rejected unless development mode is on. Safe methods and
// /health are never checked.
func (g *Guard) RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isStateChanging(r.Method) || isHealthPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if err := g.checkOrigin(r); err != nil {
			ctx := r.Context()
			g.metrics.RecordOriginRejected(ctx)
			g.auditor.LogEvent(ctx, security.Event{
				Type:      security.EventOriginRejected,
				IPAddress: g.ClientIP(r),
				Details:   map[string]any{"method": r.Method, "path": r.URL.Path},
			})
			g.logger.Warn("Blocked cross-origin request",
				"method", r.Method,
				"path", r.URL.Path,
				"origin", util.SafeTruncate(r.Header.Get("Origin"), 256),
				"referer", util.SafeTruncate(r.Header.Get("Referer"), 256))
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) checkOrigin(r *http.Request) *Error {
	if origin := r.Header.Get("Origin"); origin != "" {
		if g.originAllowed(origin) {
			return nil
		}
		return ErrOriginRejected("Invalid origin. Cross-site requests are not allowed.")
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if g.originAllowed(referer) {
			return nil
		}
		return ErrOriginRejected("Invalid referer. Cross-site requests are not allowed.")
	}
	if g.config.CSRF.DevMode {
		return nil
	}
	return ErrOriginRejected("Missing Origin or Referer header. Cross-site requests require proper headers.")
}

// originAllowed accepts configured origins, and any localhost port in
// development mode.
func (g *Guard) originAllowed(raw string) bool {
	origin := util.NormalizeOrigin(raw)
	if origin == "" {
		return false
	}
	if g.allowedOrigins[origin] {
		return true
	}
	if !g.config.CSRF.DevMode {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
