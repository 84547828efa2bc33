package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/reqguard"
	"github.com/giantswarm/reqguard/retention"
	"github.com/giantswarm/reqguard/storage/memory"
)

const (
	testOrigin   = "https://admin.example.com"
	testPassword = "correct horse battery staple"
)

type testServer struct {
	t      *testing.T
	server *httptest.Server
	cookie *http.Cookie
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &reqguard.Config{
		CSRF:     reqguard.CSRFConfig{SecretKey: "test-secret-test-secret-test-sec", AllowedOrigins: []string{testOrigin}},
		Admin:    reqguard.AdminConfig{Username: "root", PasswordHash: string(hash)},
		Security: reqguard.SecurityConfig{LoginAttemptsPerMinute: 600, LoginBurst: 100},
		Logger:   logger,
	}
	store := memory.New()
	guard, err := reqguard.New(cfg, reqguard.Options{
		Attempts:    store,
		Sweepers:    retention.All(store),
		AuditWriter: store,
	})
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	a := newAdmin(guard, store, logger)
	a.secureCookie = false
	srv := httptest.NewServer(newRouter(guard, a, false))
	t.Cleanup(srv.Close)
	return &testServer{t: t, server: srv}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *http.Response {
	s.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(s.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Origin", testOrigin)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) login(password string) *http.Response {
	s.t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "root", Password: password})
	resp := s.do(http.MethodPost, "/admin/login", string(body), nil)
	for _, c := range resp.Cookies() {
		if c.Name == adminCookieName {
			s.cookie = c
		}
	}
	return resp
}

func (s *testServer) csrfToken() string {
	s.t.Helper()
	resp := s.do(http.MethodGet, "/admin/csrf-token", "", nil)
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var out struct {
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(s.t, out.CSRFToken)
	return out.CSRFToken
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body reqguard.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestAdminFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(http.MethodGet, "/admin/lockouts/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "stats need a session")

	resp = s.login(testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, s.cookie)
	assert.True(t, s.cookie.HttpOnly)

	token := s.csrfToken()

	resp = s.do(http.MethodPut, "/admin/settings", `{"settings":{"theme":"dark"}}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, reqguard.ErrorCodeCSRFTokenMissing, errorCode(t, resp))

	resp = s.do(http.MethodPut, "/admin/settings", `{"settings":{"theme":"dark"}}`, map[string]string{reqguard.CSRFHeader: token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPut, "/admin/settings", `{"settings":{"is_admin":true}}`, map[string]string{reqguard.CSRFHeader: token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, reqguard.ErrorCodeInvalidRequest, errorCode(t, resp))

	resp = s.do(http.MethodGet, "/admin/settings", "", nil)
	var got adminSettings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "dark", got.Settings["theme"])

	resp = s.do(http.MethodPost, "/admin/cleanup-run", `{"csrf_token":"`+token+`"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "token in the JSON body")

	resp = s.do(http.MethodPost, "/admin/logout", "", map[string]string{reqguard.CSRFHeader: token})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/admin/csrf-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "session ended")
}

func TestAdminLogin_Lockout(t *testing.T) {
	s := newTestServer(t)

	for i := 1; i < 5; i++ {
		resp := s.login("wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, reqguard.ErrorCodeInvalidCredentials, errorCode(t, resp))
	}
	resp := s.login("wrong")
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))

	resp = s.login(testPassword)
	assert.Equal(t, http.StatusLocked, resp.StatusCode, "correct password while locked")
	assert.Nil(t, s.cookie)
}

func TestAdminLogin_CrossOrigin(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(http.MethodPost, "/admin/login", `{"username":"root","password":"x"}`, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, reqguard.ErrorCodeOriginRejected, errorCode(t, resp))
}

func TestHashToken(t *testing.T) {
	token, err := newSessionToken()
	require.NoError(t, err)
	assert.Len(t, token, 2*adminTokenBytes)
	assert.Equal(t, hashToken(token), hashToken(token))
	assert.NotEqual(t, token, hashToken(token))
}
