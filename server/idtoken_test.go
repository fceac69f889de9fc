package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func TestDecodeIDToken(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u1","exp":1700000000}`))

	tests := []struct {
		name       string
		raw        string
		wantStatus int
		wantDesc   string
	}{
		{name: "single_segment", raw: "abc", wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token format."},
		{name: "two_segments", raw: "h." + payload},
		{name: "three_segments", raw: "h." + payload + ".sig"},
		{name: "padded_payload", raw: "h." + base64.URLEncoding.EncodeToString([]byte(`{ "sub":"u1"}`)) + ".s"},
		{name: "bad_base64", raw: "h.!!!.s", wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token payload."},
		{name: "not_json", raw: "h." + base64.RawURLEncoding.EncodeToString([]byte("hello")) + ".s", wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token payload."},
		{name: "json_array", raw: "h." + base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`)) + ".s", wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token payload."},
		{name: "json_null", raw: "h." + base64.RawURLEncoding.EncodeToString([]byte(`null`)) + ".s", wantStatus: http.StatusBadRequest, wantDesc: "Invalid ID token payload."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := decodeIDToken(tt.raw)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if claims["sub"] != "u1" {
					t.Fatalf("sub mismatch: %v", claims["sub"])
				}
				return
			}
			var ae *apiError
			if !errors.As(err, &ae) {
				t.Fatalf("expected apiError, got %v", err)
			}
			if ae.Status != tt.wantStatus || ae.Description != tt.wantDesc {
				t.Fatalf("got %d %q, want %d %q", ae.Status, ae.Description, tt.wantStatus, tt.wantDesc)
			}
		})
	}
}

func TestCheckLifetime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name       string
		claims     map[string]any
		clientID   string
		wantStatus int
	}{
		{name: "no_exp_no_aud", claims: map[string]any{}, clientID: "client-1"},
		{name: "future_exp", claims: map[string]any{"exp": float64(now.Unix() + 60)}, clientID: "client-1"},
		{name: "exp_equal_now", claims: map[string]any{"exp": float64(now.Unix())}, clientID: "client-1"},
		{name: "expired", claims: map[string]any{"exp": float64(now.Unix() - 1)}, clientID: "client-1", wantStatus: http.StatusUnauthorized},
		{name: "exp_not_number", claims: map[string]any{"exp": "tomorrow"}, clientID: "client-1", wantStatus: http.StatusBadRequest},
		{name: "aud_match", claims: map[string]any{"aud": "client-1"}, clientID: "client-1"},
		{name: "aud_list_match", claims: map[string]any{"aud": []any{"other", "client-1"}}, clientID: "client-1"},
		{name: "aud_mismatch", claims: map[string]any{"aud": "other"}, clientID: "client-1", wantStatus: http.StatusUnauthorized},
		{name: "aud_ignored_without_client_id", claims: map[string]any{"aud": "other"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkLifetime(tt.claims, tt.clientID, now)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ae *apiError
			if !errors.As(err, &ae) || ae.Status != tt.wantStatus {
				t.Fatalf("expected status %d, got %v", tt.wantStatus, err)
			}
		})
	}
}

func TestUserFromClaims(t *testing.T) {
	user := userFromClaims(map[string]any{
		"email":      "mail@example.com",
		"upn":        "upn@example.com",
		"given_name": "Ada",
		"sub":        "s1",
	})
	if user.Email != "mail@example.com" || user.Name != "Ada" || user.Sub != "s1" || user.Mode != "frontend-oauth" {
		t.Fatalf("unexpected user: %+v", user)
	}

	user = userFromClaims(map[string]any{"preferred_username": "ada@contoso.com", "email": "x", "name": "Ada L"})
	if user.Email != "ada@contoso.com" || user.Name != "Ada L" {
		t.Fatalf("preferred_username and name should win: %+v", user)
	}
}

func TestOIDCVerifier(t *testing.T) {
	issuer := newTestIssuer(t, "tenant-1")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewOIDCVerifier(issuer.issuer, "client-1", logger)

	good := issuer.sign(t, map[string]any{
		"iss": issuer.issuer,
		"aud": "client-1",
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})
	if err := v.Verify(context.Background(), good); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}

	wrongAud := issuer.sign(t, map[string]any{
		"iss": issuer.issuer,
		"aud": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(context.Background(), wrongAud); err == nil {
		t.Fatalf("expected audience failure")
	}

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := signToken(t, other, issuer.kid, map[string]any{
		"iss": issuer.issuer,
		"aud": "client-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(context.Background(), forged); err == nil {
		t.Fatalf("expected signature failure for forged token")
	}
}

func TestOIDCVerifierDiscoveryFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewOIDCVerifier("http://127.0.0.1:1/none/v2.0", "client-1", logger)
	if err := v.Verify(context.Background(), "a.b.c"); err == nil {
		t.Fatalf("expected discovery error")
	}
	if v.verifier != nil {
		t.Fatalf("failed discovery must not be cached")
	}
}

func TestResolveAzureTenantIssuer(t *testing.T) {
	issuer, ok := resolveAzureTenantIssuer("https://login.microsoftonline.com/common/v2.0", "abc123")
	if !ok {
		t.Fatalf("expected azure issuer rewrite to trigger")
	}
	want := "https://login.microsoftonline.com/abc123/v2.0"
	if issuer != want {
		t.Fatalf("issuer mismatch: got %q want %q", issuer, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://login.microsoftonline.com/{tenant}/v2.0", "abc123")
	if !ok || issuer != want {
		t.Fatalf("placeholder issuer mismatch: got %q (ok=%v) want %q", issuer, ok, want)
	}

	issuer, ok = resolveAzureTenantIssuer("https://example.com/oidc", "abc123")
	if ok {
		t.Fatalf("did not expect rewrite for non-Azure issuer")
	}
	if issuer != "https://example.com/oidc" {
		t.Fatalf("issuer should remain unchanged, got %q", issuer)
	}
}
