package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxIngestBody = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    SessionStore
	Sessions *SessionManager
	Gate     GroupGate
	Verifier TokenVerifier
	Metrics  *Metrics

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := NewSessionStore(ctx, cfg.Sessions, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Gate:     NewGroupGate(cfg.Auth),
		Metrics:  NewMetrics(),
		now:      time.Now,
	}

	if cfg.Auth.VerifyTokens {
		app.Verifier = NewOIDCVerifier(cfg.IssuerURL(), cfg.Microsoft.ClientID, logger)
	} else if cfg.Auth.AllowUnverifiedTokens {
		logger.Warn("accepting unverified id tokens", "reason", "auth.allow_unverified_tokens is set")
	}
	if cfg.Auth.DevBypass {
		logger.Warn("dev auth bypass enabled", "reason", "auth.dev_bypass is set")
	}

	return app, nil
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	var clientID any
	if a.Config.Microsoft.ClientID != "" {
		clientID = a.Config.Microsoft.ClientID
	}
	writeJSON(w, map[string]any{
		"ms_client_id": clientID,
		"ms_tenant_id": a.Config.Tenant(),
	})
}

type tokenIngestRequest struct {
	IDToken string   `json:"id_token"`
	Groups  []string `json:"groups"`
}

func (a *App) handleTokenIngest(w http.ResponseWriter, r *http.Request) {
	var req tokenIngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&req); err != nil {
		a.ingestFailed(w, r, &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Description: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		a.ingestFailed(w, r, &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Description: "id_token is required"})
		return
	}

	user, err := a.admit(r.Context(), req)
	if err != nil {
		a.ingestFailed(w, r, err)
		return
	}

	if _, err := a.Sessions.Create(w, r, user); err != nil {
		a.Logger.Error("session create", "error", err)
		a.ingestFailed(w, r, &apiError{Status: http.StatusInternalServerError, Code: "server_error", Description: "session failure"})
		return
	}

	a.Metrics.Logins.WithLabelValues("ok").Inc()
	a.Logger.Info("token_ingest",
		"request_id", RequestIDFromContext(r.Context()),
		"sub", user.Sub,
		"groups", len(req.Groups),
	)
	writeJSON(w, map[string]any{"ok": true, "user": user})
}

// admit runs the ingest checks in order: payload decode, group gate, lifetime
// and audience, then the signature policy.
func (a *App) admit(ctx context.Context, req tokenIngestRequest) (User, error) {
	claims, err := decodeIDToken(req.IDToken)
	if err != nil {
		return User{}, err
	}

	if !a.Config.Auth.DevBypass {
		if err := a.Gate.Check(claims, req.Groups); err != nil {
			return User{}, err
		}
	}

	if err := checkLifetime(claims, a.Config.Microsoft.ClientID, a.now()); err != nil {
		return User{}, err
	}

	switch {
	case a.Verifier != nil:
		if err := a.Verifier.Verify(ctx, req.IDToken); err != nil {
			a.Logger.Warn("id token verification failed", "error", err)
			return User{}, &apiError{Status: http.StatusUnauthorized, Code: "invalid_token", Description: "ID token verification failed."}
		}
	case !a.Config.Auth.AllowUnverifiedTokens:
		return User{}, &apiError{Status: http.StatusForbidden, Code: "access_denied", Description: "Token verification is disabled without JWKS configuration."}
	}

	return userFromClaims(claims), nil
}

func (a *App) ingestFailed(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = &apiError{Status: http.StatusInternalServerError, Code: "server_error", Description: "internal error"}
	}
	a.Metrics.Logins.WithLabelValues(outcomeLabel(ae.Status)).Inc()
	a.Logger.Warn("token_ingest rejected",
		"request_id", RequestIDFromContext(r.Context()),
		"status", ae.Status,
		"reason", ae.Description,
	)
	writeError(w, ae.Status, ae.Code, ae.Description)
}

func outcomeLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "error"
	}
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session fetch", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "session failure")
		return
	}
	if sess == nil && a.Config.Auth.DevBypass {
		sess, err = a.Sessions.Create(w, r, devUser())
		if err != nil {
			a.Logger.Error("dev session create", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "session failure")
			return
		}
	}
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated.")
		return
	}
	writeJSON(w, map[string]any{"user": sess.User})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch", "error", err)
	}
	if sess == nil {
		writeJSON(w, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, map[string]any{"authenticated": true, "user": sess.User})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Destroy(w, r); err != nil {
		a.Logger.Warn("session delete", "error", err)
	}
	if r.Method == http.MethodGet && a.Config.Server.FrontendURL != "" {
		http.Redirect(w, r, a.Config.Server.FrontendURL, http.StatusSeeOther)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
