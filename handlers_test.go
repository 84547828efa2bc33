package reqguard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/reqguard/lockout"
	"github.com/giantswarm/reqguard/retention"
	"github.com/giantswarm/reqguard/security"
	"github.com/giantswarm/reqguard/storage"
)

// asAdmin attaches the session and actor the admin middleware would.
func asAdmin(r *http.Request) *http.Request {
	ctx := ContextWithSessionID(r.Context(), testSession)
	return r.WithContext(ContextWithActor(ctx, "admin"))
}

func TestServeCSRFToken(t *testing.T) {
	g, _, _ := setupTestGuard(t, nil)

	rec := httptest.NewRecorder()
	g.ServeCSRFToken(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/csrf-token", nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	var resp csrfTokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if err := g.CSRF().Verify(resp.CSRFToken, testSession); err != nil {
		t.Errorf("issued token does not verify: %v", err)
	}
}

func TestServeCSRFToken_RequiresSession(t *testing.T) {
	g, _, _ := setupTestGuard(t, nil)

	rec := httptest.NewRecorder()
	g.ServeCSRFToken(rec, httptest.NewRequest(http.MethodGet, "/admin/csrf-token", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestServeRetentionRunAndStats(t *testing.T) {
	g, store, _ := setupTestGuard(t, nil)
	ctx := context.Background()

	old := testStart.Add(-40 * 24 * time.Hour)
	if err := store.SaveSession(ctx, &storage.Session{ID: "gone", ExpiresAt: old, LastActivityAt: old, IsActive: true}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	rec := httptest.NewRecorder()
	g.ServeRetentionStats(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/cleanup-stats", nil)))
	var stats retention.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Pending[retention.TaskExpiredSessions] != 1 {
		t.Errorf("pending = %v, want 1 expired session", stats.Pending)
	}

	rec = httptest.NewRecorder()
	g.ServeRetentionRun(rec, asAdmin(httptest.NewRequest(http.MethodPost, "/admin/cleanup-run", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report retention.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Deleted != 1 || report.Failed != 0 {
		t.Errorf("report deleted=%d failed=%d, want 1/0", report.Deleted, report.Failed)
	}
	if got := len(store.AuditEvents(security.EventRetentionRun)); got != 1 {
		t.Errorf("retention_run events = %d, want 1", got)
	}
}

func TestServeUnlock(t *testing.T) {
	g, store, _ := setupTestGuard(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.Tracker().RecordFailedAttempt(ctx, lockout.Attempt{Identifier: "mallory", Type: storage.IdentifierUsername}); err != nil {
			t.Fatalf("RecordFailedAttempt() error = %v", err)
		}
	}

	rec := httptest.NewRecorder()
	g.ServeLockoutStats(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/lockouts/stats", nil)))
	var stats lockout.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if !stats.Available || stats.ActiveLockouts != 1 || stats.RecentAttempts != 5 {
		t.Errorf("stats = %+v, want 1 active lockout and 5 recent attempts", stats)
	}

	rec = httptest.NewRecorder()
	g.ServeUnlock(rec, asAdmin(postJSON(`{"identifier":"mallory","identifier_type":"username"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp unlockResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Unlocked != 1 {
		t.Errorf("unlocked = %d, want 1", resp.Unlocked)
	}

	status, err := g.Tracker().IsLocked(ctx, "mallory", storage.IdentifierUsername)
	if err != nil || status.Locked {
		t.Errorf("IsLocked() = %+v, %v; want unlocked", status, err)
	}
	if got := len(store.AuditEvents(security.EventAccountUnlocked)); got != 1 {
		t.Errorf("account_unlocked events = %d, want 1", got)
	}
}

func TestServeUnlock_InvalidRequest(t *testing.T) {
	g, _, _ := setupTestGuard(t, nil)

	for _, body := range []string{`{}`, `{"identifier":"x","identifier_type":"phone"}`, `nope`} {
		rec := httptest.NewRecorder()
		g.ServeUnlock(rec, asAdmin(postJSON(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}
