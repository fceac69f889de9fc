package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// apiError is rendered as {"error", "error_description"} with Status.
type apiError struct {
	Status      int
	Code        string
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// decodeIDToken reads the claims of a compact JWT without checking its signature.
// Only the payload segment is required.
func decodeIDToken(raw string) (jwt.MapClaims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_token", Description: "Invalid ID token format."}
	}

	payload, err := jwt.NewParser(jwt.WithPaddingAllowed()).DecodeSegment(parts[1])
	if err != nil {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_token", Description: "Invalid ID token payload."}
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil || claims == nil {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_token", Description: "Invalid ID token payload."}
	}
	return claims, nil
}

// checkLifetime rejects expired tokens and tokens minted for another client.
func checkLifetime(claims jwt.MapClaims, clientID string, now time.Time) error {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_token", Description: "Invalid ID token payload."}
	}
	if exp != nil && exp.Before(now) {
		return &apiError{Status: http.StatusUnauthorized, Code: "invalid_token", Description: "ID token has expired."}
	}

	if clientID == "" {
		return nil
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_token", Description: "Invalid ID token payload."}
	}
	if len(aud) > 0 && !containsString(aud, clientID) {
		return &apiError{Status: http.StatusUnauthorized, Code: "invalid_token", Description: "ID token audience mismatch."}
	}
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// TokenVerifier checks an ID token's signature, issuer and audience.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) error
}

// OIDCVerifier verifies against the issuer's discovery document and JWKS.
// Discovery runs on first use and is retried until it succeeds.
type OIDCVerifier struct {
	issuer   string
	clientID string
	logger   *slog.Logger

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier prepares a verifier for issuer and clientID.
func NewOIDCVerifier(issuer, clientID string, logger *slog.Logger) *OIDCVerifier {
	return &OIDCVerifier{issuer: issuer, clientID: clientID, logger: logger}
}

func (v *OIDCVerifier) load(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}

	// The provider keeps this context for later JWKS refreshes.
	op, err := oidc.NewProvider(context.WithoutCancel(ctx), v.issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", v.issuer, err)
	}
	v.verifier = op.Verifier(&oidc.Config{ClientID: v.clientID})
	v.logger.Info("id token verifier ready", "issuer", v.issuer)
	return v.verifier, nil
}

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) error {
	verifier, err := v.load(ctx)
	if err != nil {
		return err
	}
	if _, err := verifier.Verify(ctx, rawIDToken); err != nil {
		return fmt.Errorf("verify id_token: %w", err)
	}
	return nil
}

// userFromClaims maps Entra claims onto the session user.
func userFromClaims(claims jwt.MapClaims) User {
	return User{
		Email: firstClaim(claims, "preferred_username", "email", "upn"),
		Name:  firstClaim(claims, "name", "given_name"),
		Sub:   firstClaim(claims, "sub"),
		Mode:  modeFrontendOAuth,
	}
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
