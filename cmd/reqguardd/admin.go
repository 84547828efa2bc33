package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/reqguard"
	"github.com/giantswarm/reqguard/security"
	"github.com/giantswarm/reqguard/storage"
)

const (
	adminCookieName = "admin_token"
	adminTokenBytes = 32
)

// admin serves the administrator endpoints on top of a Guard.
type admin struct {
	guard    *reqguard.Guard
	sessions storage.AdminSessionStore
	logger   *slog.Logger
	now      func() time.Time

	username     string
	passwordHash []byte
	sessionTTL   time.Duration
	secureCookie bool

	mu       sync.RWMutex
	settings adminSettings
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// adminSettings is free-form configuration edited from the admin UI.
type adminSettings struct {
	Settings map[string]any `json:"settings" jsonb:"settings,keys=theme|language|timezone|notifications"`
	Metadata map[string]any `json:"metadata" jsonb:"metadata"`
}

func newAdmin(guard *reqguard.Guard, sessions storage.AdminSessionStore, logger *slog.Logger) *admin {
	cfg := guard.Config()
	return &admin{
		guard:        guard,
		sessions:     sessions,
		logger:       logger,
		now:          time.Now,
		username:     cfg.Admin.Username,
		passwordHash: []byte(cfg.Admin.PasswordHash),
		sessionTTL:   cfg.Admin.SessionTTL,
		secureCookie: !cfg.CSRF.DevMode,
	}
}

// login checks the credentials behind the lockout guard and starts a
// cookie session.
func (a *admin) login(w http.ResponseWriter, r *http.Request) {
	if len(a.passwordHash) == 0 {
		reqguard.WriteError(w, reqguard.NewError(reqguard.ErrorCodeServerError,
			"Admin login is not configured", http.StatusServiceUnavailable))
		return
	}

	var req loginRequest
	if err := a.guard.DecodeJSON(r, &req); err != nil {
		reqguard.WriteError(w, err)
		return
	}

	ctx := r.Context()
	clientIP := a.guard.ClientIP(r)
	err := a.guard.Authenticate(ctx, reqguard.LoginRequest{
		Identifier: req.Username,
		IPAddress:  clientIP,
		UserAgent:  r.UserAgent(),
	}, func(context.Context) (bool, error) {
		return a.checkPassword(req.Username, req.Password), nil
	})
	if err != nil {
		reqguard.WriteError(w, err)
		return
	}

	token, err := newSessionToken()
	if err != nil {
		a.logger.Error("Failed to generate admin session token", "error", err)
		reqguard.WriteError(w, reqguard.ErrServerError("Failed to create session"))
		return
	}
	now := a.now()
	session := &storage.AdminSession{
		ID:             uuid.NewString(),
		AdminID:        req.Username,
		TokenHash:      hashToken(token),
		IPAddress:      clientIP,
		UserAgent:      r.UserAgent(),
		ExpiresAt:      now.Add(a.sessionTTL),
		LastActivityAt: now,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := a.sessions.SaveAdminSession(ctx, session); err != nil {
		a.logger.Error("Failed to save admin session", "error", err)
		reqguard.WriteError(w, reqguard.ErrStoreUnavailable("Failed to create session"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{Username: req.Username, ExpiresAt: session.ExpiresAt})
}

// checkPassword compares both values even when the username is wrong.
func (a *admin) checkPassword(username, password string) bool {
	userOK := security.ConstantTimeEqual(username, a.username)
	passOK := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

// logout deactivates the current session and clears the cookie.
func (a *admin) logout(w http.ResponseWriter, r *http.Request) {
	session, ok := a.sessionFromCookie(r)
	if ok {
		session.IsActive = false
		if err := a.sessions.SaveAdminSession(r.Context(), session); err != nil {
			a.logger.Error("Failed to end admin session", "error", err)
			reqguard.WriteError(w, reqguard.ErrStoreUnavailable("Failed to end session"))
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin attaches the admin session to the request context.
func (a *admin) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := a.sessionFromCookie(r)
		if !ok {
			reqguard.WriteError(w, reqguard.ErrAuthenticationRequired("Admin authentication required"))
			return
		}
		ctx := reqguard.ContextWithSessionID(r.Context(), session.ID)
		ctx = reqguard.ContextWithActor(ctx, session.AdminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *admin) sessionFromCookie(r *http.Request) (*storage.AdminSession, bool) {
	cookie, err := r.Cookie(adminCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	session, err := a.sessions.GetAdminSession(r.Context(), hashToken(cookie.Value))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Error("Failed to load admin session", "error", err)
		}
		return nil, false
	}
	if !session.ExpiresAt.After(a.now()) {
		return nil, false
	}
	return session, true
}

func (a *admin) getSettings(w http.ResponseWriter, _ *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	writeJSON(w, http.StatusOK, a.settings)
}

// putSettings replaces the settings with the validated, sanitized body.
func (a *admin) putSettings(w http.ResponseWriter, r *http.Request) {
	var next adminSettings
	if err := a.guard.DecodeJSON(r, &next); err != nil {
		reqguard.WriteError(w, err)
		return
	}

	a.mu.Lock()
	a.settings = next
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, next)
}

func newSessionToken() (string, error) {
	raw := make([]byte, adminTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// hashToken is the lookup key for a session; raw tokens are never stored.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
