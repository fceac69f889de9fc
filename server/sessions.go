package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"portalauth/pkce"
)

const sessionCookieName = "portal_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	sess, ok, err := sm.store.Get(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := sm.store.Delete(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	if err := sm.store.Save(r.Context(), sess, sm.ttl); err != nil {
		sm.logger.Warn("session refresh failed", "error", err)
	}
	return &sess, nil
}

// Create establishes a new session for user and sets the cookie. Any session
// already carried by the request is dropped so a sign-in never reuses an ID.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, user User) (*Session, error) {
	if old, err := r.Cookie(sessionCookieName); err == nil && old.Value != "" {
		if err := sm.store.Delete(r.Context(), old.Value); err != nil {
			sm.logger.Warn("previous session delete failed", "error", err)
		}
	}

	id, err := pkce.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	now := time.Now()
	sess := Session{
		ID:        id,
		User:      user,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}

	if err := sm.store.Save(r.Context(), sess, sm.ttl); err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return &sess, nil
}

// Destroy deletes the request's session from the store and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) error {
	defer sm.Clear(w)
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return sm.store.Delete(r.Context(), cookie.Value)
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
