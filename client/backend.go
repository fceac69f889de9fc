package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

const defaultTenant = "common"

// maxBodyBytes caps every JSON body read from the backend, provider and Graph.
const maxBodyBytes = 1 << 20

// ProviderConfig is the identity provider registration published by the backend.
type ProviderConfig struct {
	ClientID string `json:"ms_client_id"`
	TenantID string `json:"ms_tenant_id"`
}

// Tenant returns the configured tenant or "common".
func (c ProviderConfig) Tenant() string {
	if strings.TrimSpace(c.TenantID) == "" {
		return defaultTenant
	}
	return strings.TrimSpace(c.TenantID)
}

// HandoffPayload is everything that crosses into the backend trust boundary.
type HandoffPayload struct {
	IDToken string   `json:"id_token"`
	Groups  []string `json:"groups"`
}

// User is the backend's view of the signed-in user.
type User struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Sub   string `json:"sub,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// ConfigSource returns a fresh ProviderConfig on every call.
type ConfigSource interface {
	ProviderConfig(ctx context.Context) (ProviderConfig, error)
}

// SessionHandoff submits verified identity material to the backend.
type SessionHandoff interface {
	Handoff(ctx context.Context, payload HandoffPayload) error
}

// StaticConfig is a ConfigSource that always returns the same settings.
type StaticConfig ProviderConfig

// ProviderConfig implements ConfigSource.
func (c StaticConfig) ProviderConfig(context.Context) (ProviderConfig, error) {
	return ProviderConfig(c), nil
}

// HandoffFunc adapts a function to SessionHandoff.
type HandoffFunc func(ctx context.Context, payload HandoffPayload) error

// Handoff implements SessionHandoff.
func (f HandoffFunc) Handoff(ctx context.Context, payload HandoffPayload) error { return f(ctx, payload) }

// Backend talks to the portal backend. Its HTTP client carries a cookie jar so the
// session cookie set by the handoff is sent on later calls.
type Backend struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ ConfigSource   = (*Backend)(nil)
	_ SessionHandoff = (*Backend)(nil)
)

// NewBackend constructs a Backend rooted at baseURL. A nil httpClient gets a
// client with a fresh cookie jar and a 30s timeout.
func NewBackend(baseURL string, httpClient *http.Client) (*Backend, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("backend url must start with http:// or https://, got: %s", baseURL)
	}
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}
	return &Backend{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}, nil
}

// ProviderConfig fetches GET /api/config.
func (b *Backend) ProviderConfig(ctx context.Context) (ProviderConfig, error) {
	var cfg ProviderConfig
	if err := b.do(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return ProviderConfig{}, err
	}
	return cfg, nil
}

// Handoff posts the ID token and group list to POST /auth/token.
func (b *Backend) Handoff(ctx context.Context, payload HandoffPayload) error {
	if payload.Groups == nil {
		payload.Groups = []string{}
	}
	return b.do(ctx, http.MethodPost, "/auth/token", payload, nil)
}

// Me returns the user bound to the current backend session.
func (b *Backend) Me(ctx context.Context) (User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := b.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// Logout ends the backend session.
func (b *Backend) Logout(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// BackendError is a non-2xx reply from the backend.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

func (b *Backend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BackendError{Status: resp.StatusCode, Message: backendMessage(raw, resp.Status)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func backendMessage(raw []byte, fallback string) string {
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Detail      string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Description != "":
			return payload.Description
		case payload.Detail != "":
			return payload.Detail
		case payload.Error != "":
			return payload.Error
		}
	}
	return fallback
}
