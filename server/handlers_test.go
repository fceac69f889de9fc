package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := validConfig()
	cfg.Microsoft.TenantID = "contoso"
	cfg.Auth.AllowUnverifiedTokens = true
	cfg.Server.RateLimit.Requests = 0
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(h http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ingestBody(t *testing.T, idToken string, groups []string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"id_token": idToken, "groups": groups})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func adminClaims() map[string]any {
	return map[string]any{
		"aud":                "client-1",
		"sub":                "sub-1",
		"preferred_username": "ada@contoso.com",
		"name":               "Ada Lovelace",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"groups":             []string{"CustomerOnboardAdmin"},
	}
}

func TestAPIConfig(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ms_client_id"] != "client-1" || body["ms_tenant_id"] != "contoso" {
		t.Fatalf("unexpected config body: %v", body)
	}

	h = newTestApp(t, func(c *Config) {
		c.Microsoft.ClientID = ""
		c.Microsoft.TenantID = ""
		c.Auth.DevBypass = true
	}).Routes()
	body = decodeBody(t, serve(h, http.MethodGet, "/api/config", ""))
	if v, ok := body["ms_client_id"]; !ok || v != nil {
		t.Fatalf("expected null client id, got %v", body)
	}
	if body["ms_tenant_id"] != "common" {
		t.Fatalf("expected common tenant, got %v", body["ms_tenant_id"])
	}
}

func TestTokenIngestCreatesSession(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, adminClaims()), []string{"Admins", "g1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
	user, _ := body["user"].(map[string]any)
	if user["email"] != "ada@contoso.com" || user["name"] != "Ada Lovelace" || user["sub"] != "sub-1" || user["mode"] != "frontend-oauth" {
		t.Fatalf("unexpected user: %v", user)
	}

	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}
	if !cookie.HttpOnly || cookie.Path != "/" || cookie.MaxAge <= 0 {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}

	me := serve(h, http.MethodGet, "/auth/me", "", cookie)
	if me.Code != http.StatusOK {
		t.Fatalf("expected /auth/me 200, got %d", me.Code)
	}
	meUser, _ := decodeBody(t, me)["user"].(map[string]any)
	if meUser["email"] != "ada@contoso.com" {
		t.Fatalf("unexpected /auth/me user: %v", meUser)
	}

	sess := decodeBody(t, serve(h, http.MethodGet, "/api/session", "", cookie))
	if sess["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", sess)
	}
}

func TestTokenIngestAcceptsSubmittedGroups(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	claims := adminClaims()
	delete(claims, "groups")
	rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, claims), []string{"CustomerOnboardAdmin", "6f1c-id"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenIngestRejections(t *testing.T) {
	expired := adminClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	wrongAud := adminClaims()
	wrongAud["aud"] = "another-app"

	noGroups := adminClaims()
	delete(noGroups, "groups")

	expiredNoGroups := adminClaims()
	delete(expiredNoGroups, "groups")
	expiredNoGroups["exp"] = time.Now().Add(-time.Minute).Unix()

	readers := adminClaims()
	readers["groups"] = []string{"Readers"}

	tests := []struct {
		name       string
		mutate     func(*Config)
		body       string
		wantStatus int
		wantDesc   string
	}{
		{name: "invalid_json", body: "{", wantStatus: http.StatusBadRequest, wantDesc: "invalid JSON body"},
		{name: "missing_id_token", body: `{"groups":[]}`, wantStatus: http.StatusBadRequest, wantDesc: "id_token is required"},
		{name: "bad_format", body: ingestBody(t, "abc", nil), wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token format."},
		{name: "bad_payload", body: ingestBody(t, "a.@@@.c", nil), wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token payload."},
		{name: "missing_group_claims", body: ingestBody(t, unsignedToken(t, noGroups), nil), wantStatus: http.StatusForbidden, wantDesc: "You don't have access. Missing group claims."},
		{name: "not_in_group", body: ingestBody(t, unsignedToken(t, readers), []string{"g-2"}), wantStatus: http.StatusForbidden, wantDesc: "You don't have access. User is not in CustomerOnboardAdmin."},
		{name: "group_gate_before_expiry", body: ingestBody(t, unsignedToken(t, expiredNoGroups), nil), wantStatus: http.StatusForbidden, wantDesc: "You don't have access. Missing group claims."},
		{name: "expired", body: ingestBody(t, unsignedToken(t, expired), nil), wantStatus: http.StatusUnauthorized, wantDesc: "ID token has expired."},
		{name: "audience_mismatch", body: ingestBody(t, unsignedToken(t, wrongAud), nil), wantStatus: http.StatusUnauthorized, wantDesc: "ID token audience mismatch."},
		{
			name:       "unverified_not_allowed",
			mutate:     func(c *Config) { c.Auth.AllowUnverifiedTokens = false },
			body:       ingestBody(t, unsignedToken(t, adminClaims()), nil),
			wantStatus: http.StatusForbidden,
			wantDesc:   "Token verification is disabled without JWKS configuration.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestApp(t, tt.mutate).Routes()
			rec := serve(h, http.MethodPost, "/auth/token", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["error_description"] != tt.wantDesc {
				t.Fatalf("description mismatch: got %v want %q", body["error_description"], tt.wantDesc)
			}
			if sessionCookie(rec) != nil {
				t.Fatalf("rejected sign-in must not set a session cookie")
			}
		})
	}
}

func TestTokenIngestDevBypassSkipsGroupGate(t *testing.T) {
	h := newTestApp(t, func(c *Config) { c.Auth.DevBypass = true }).Routes()

	claims := adminClaims()
	delete(claims, "groups")
	rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, claims), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under dev bypass, got %d: %s", rec.Code, rec.Body.String())
	}

	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	rec = serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, claims), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("dev bypass must still reject expired tokens, got %d", rec.Code)
	}
}

func TestTokenIngestVerifiesSignature(t *testing.T) {
	issuer := newTestIssuer(t, "tenant-1")
	h := newTestApp(t, func(c *Config) {
		c.Microsoft.TenantID = "tenant-1"
		c.Microsoft.Issuer = issuer.issuer
		c.Auth.VerifyTokens = true
		c.Auth.AllowUnverifiedTokens = false
	}).Routes()

	claims := adminClaims()
	claims["iss"] = issuer.issuer
	rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, issuer.sign(t, claims), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected signed token to be admitted, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, claims), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unsigned token to be rejected with 401, got %d", rec.Code)
	}
	if desc := decodeBody(t, rec)["error_description"]; desc != "ID token verification failed." {
		t.Fatalf("unexpected description: %v", desc)
	}
}

func TestMe(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, http.MethodGet, "/auth/me", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if desc := decodeBody(t, rec)["error_description"]; desc != "Not authenticated." {
		t.Fatalf("unexpected description: %v", desc)
	}

	for _, value := range []string{"fake-session-12345", "' OR '1'='1", strings.Repeat("A", 4096), "session<script>"} {
		rec = serve(h, http.MethodGet, "/auth/me", "", &http.Cookie{Name: sessionCookieName, Value: value})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("forged cookie %q: expected 401, got %d", value[:min(len(value), 16)], rec.Code)
		}
	}

	sess := decodeBody(t, serve(h, http.MethodGet, "/api/session", ""))
	if sess["authenticated"] != false || sess["user"] != nil {
		t.Fatalf("expected anonymous session, got %v", sess)
	}
}

func TestMeDevBypass(t *testing.T) {
	h := newTestApp(t, func(c *Config) { c.Auth.DevBypass = true }).Routes()

	rec := serve(h, http.MethodGet, "/auth/me", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	user, _ := decodeBody(t, rec)["user"].(map[string]any)
	if user["mode"] != "dev" || user["email"] != "dev@local" {
		t.Fatalf("unexpected dev user: %v", user)
	}
	if sessionCookie(rec) == nil {
		t.Fatalf("expected dev session cookie")
	}
}

func TestLogout(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	login := serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, adminClaims()), nil))
	cookie := sessionCookie(login)
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}

	rec := serve(h, http.MethodPost, "/auth/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cleared := sessionCookie(rec)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected cookie to be cleared, got %+v", cleared)
	}

	if me := serve(h, http.MethodGet, "/auth/me", "", cookie); me.Code != http.StatusUnauthorized {
		t.Fatalf("session should be gone after logout, got %d", me.Code)
	}

	rec = serve(h, http.MethodGet, "/auth/logout", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "http://localhost:3000" {
		t.Fatalf("expected redirect to frontend, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	if rec := serve(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	serve(h, http.MethodPost, "/auth/token", ingestBody(t, "abc", nil))
	serve(h, http.MethodPost, "/auth/token", ingestBody(t, unsignedToken(t, adminClaims()), nil))

	rec := serve(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	text := rec.Body.String()
	for _, want := range []string{
		`portal_token_ingest_total{outcome="bad_request"} 1`,
		`portal_token_ingest_total{outcome="ok"} 1`,
		`portal_http_requests_total{method="GET",route="/healthz",status="200"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTokenRateLimit(t *testing.T) {
	h := newTestApp(t, func(c *Config) {
		c.Server.RateLimit.Requests = 2
		c.Server.RateLimit.Window = "1m"
	}).Routes()

	for i := 0; i < 2; i++ {
		if rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, "abc", nil)); rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i, rec.Code)
		}
	}
	rec := serve(h, http.MethodPost, "/auth/token", ingestBody(t, "abc", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}

	if me := serve(h, http.MethodGet, "/auth/me", ""); me.Code != http.StatusUnauthorized {
		t.Fatalf("rate limit must only cover /auth/token, got %d", me.Code)
	}
}
