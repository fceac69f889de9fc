// Package client drives the browser side of the portal sign-in: OAuth2 Authorization Code
// with PKCE against Microsoft Entra ID, Graph group resolution, and the handoff of the
// resulting identity to the portal backend.
package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"portalauth/pkce"
)

// CallbackPath is appended to the origin to form the redirect URI.
const CallbackPath = "/auth/callback"

// Secret sizes in random bytes; both are hex encoded.
const (
	stateBytes    = 16
	verifierBytes = 64
)

var (
	authorizeScopes = []string{"openid", "profile", "email", "GroupMember.Read.All"}
	tokenScope      = "openid profile email"
)

// State is a position in the sign-in state machine.
type State int

const (
	StateIdle State = iota
	StateRedirecting
	StateCallbackPending
	StateTokenExchanged
	StateGroupsResolved
	StateHandedOff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRedirecting:
		return "redirecting"
	case StateCallbackPending:
		return "callback_pending"
	case StateTokenExchanged:
		return "token_exchanged"
	case StateGroupsResolved:
		return "groups_resolved"
	case StateHandedOff:
		return "handed_off"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Navigator sends the user agent to the authorization URL. Start's last step.
type Navigator interface {
	Navigate(ctx context.Context, authURL string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, authURL string) error

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(ctx context.Context, authURL string) error { return f(ctx, authURL) }

// Endpoints overrides provider hosts. Zero values mean the public Microsoft endpoints.
type Endpoints struct {
	// Authority replaces https://login.microsoftonline.com; the tenant and
	// /oauth2/v2.0/{authorize,token} are appended.
	Authority string
	Graph     string
}

func (e Endpoints) forTenant(tenant string) oauth2.Endpoint {
	if e.Authority == "" {
		return microsoft.AzureADEndpoint(tenant)
	}
	base := strings.TrimSuffix(e.Authority, "/") + "/" + tenant + "/oauth2/v2.0"
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Options configures a Flow.
type Options struct {
	// Origin is scheme://host[:port] of the application; the redirect URI is Origin + CallbackPath.
	Origin     string
	Config     ConfigSource
	Handoff    SessionHandoff
	Storage    Storage
	Hasher     pkce.Hasher
	Navigator  Navigator
	Endpoints  Endpoints
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AuthorizationRequest describes the redirect produced by Start.
type AuthorizationRequest struct {
	URL         string
	RedirectURI string
	Challenge   string
	Tenant      string
	Session     AuthSession
}

// Flow is one sign-in orchestrator. Start and Complete are meant to be called once per attempt,
// with the provider round-trip in between.
type Flow struct {
	origin     string
	config     ConfigSource
	handoff    SessionHandoff
	storage    Storage
	hasher     pkce.Hasher
	navigator  Navigator
	endpoints  Endpoints
	httpClient *http.Client
	groups     *GroupResolver
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	err   error
}

// New validates opts and returns an idle Flow.
func New(opts Options) (*Flow, error) {
	origin := strings.TrimSuffix(strings.TrimSpace(opts.Origin), "/")
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got: %q", opts.Origin)
	}
	if opts.Config == nil {
		return nil, errors.New("config source required")
	}
	if opts.Handoff == nil {
		return nil, errors.New("session handoff required")
	}

	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = pkce.Detect(false)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Flow{
		origin:     origin,
		config:     opts.Config,
		handoff:    opts.Handoff,
		storage:    storage,
		hasher:     hasher,
		navigator:  opts.Navigator,
		endpoints:  opts.Endpoints,
		httpClient: httpClient,
		groups:     NewGroupResolver(opts.Endpoints.Graph, httpClient, logger),
		logger:     logger,
		state:      StateIdle,
	}, nil
}

// RedirectURI is the callback URL registered with the provider.
func (f *Flow) RedirectURI() string {
	return f.origin + CallbackPath
}

// State reports the current position in the state machine.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure that moved the flow to StateFailed, if any.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Flow) transition(s State) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.err = nil
	f.mu.Unlock()
	f.logger.Debug("login.transition", "from", prev.String(), "to", s.String())
}

func (f *Flow) fail(err error) error {
	f.mu.Lock()
	prev := f.state
	f.state = StateFailed
	f.err = err
	f.mu.Unlock()
	f.logger.Warn("login.failed", "from", prev.String(), "kind", KindOf(err).String(), "error", err)
	return err
}

// Start generates and stores fresh secrets, builds the authorization URL and hands it to the Navigator.
func (f *Flow) Start(ctx context.Context) (AuthorizationRequest, error) {
	cfg, err := f.providerConfig(ctx)
	if err != nil {
		return AuthorizationRequest{}, f.fail(err)
	}

	state, err := pkce.RandomHex(stateBytes)
	if err != nil {
		return AuthorizationRequest{}, f.fail(newError(KindRNGUnavailable, ErrRNGUnavailable.Message, err))
	}
	verifier, err := pkce.RandomHex(verifierBytes)
	if err != nil {
		return AuthorizationRequest{}, f.fail(newError(KindRNGUnavailable, ErrRNGUnavailable.Message, err))
	}
	challenge := pkce.Challenge(f.hasher, verifier)

	sess := AuthSession{State: state, Verifier: verifier}
	if err := saveSession(f.storage, sess); err != nil {
		return AuthorizationRequest{}, f.fail(newError(KindStorageFailed, "unable to store login secrets", err))
	}

	tenant := cfg.Tenant()
	oauthCfg := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: f.RedirectURI(),
		Endpoint:    f.endpoints.forTenant(tenant),
		Scopes:      authorizeScopes,
	}
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)

	req := AuthorizationRequest{
		URL:         authURL,
		RedirectURI: f.RedirectURI(),
		Challenge:   challenge,
		Tenant:      tenant,
		Session:     sess,
	}

	f.transition(StateRedirecting)
	f.logger.Info("login.start", "tenant", tenant, "redirect_uri", req.RedirectURI, "hasher", f.hasher.Name())

	if f.navigator != nil {
		if err := f.navigator.Navigate(ctx, authURL); err != nil {
			return req, f.fail(newError(KindNavigationFailed, "unable to open the sign-in page", err))
		}
	}
	return req, nil
}

// Complete resumes the flow on the provider callback: it checks state, redeems the code,
// resolves groups when an access token was issued, and hands the identity to the backend.
// The stored secrets are removed only after the handoff succeeded.
func (f *Flow) Complete(ctx context.Context, code, returnedState string) error {
	f.transition(StateCallbackPending)

	sess, hasState, hasVerifier := loadSession(f.storage)
	if !hasState || subtle.ConstantTimeCompare([]byte(sess.State), []byte(returnedState)) != 1 {
		return f.fail(newError(KindStateMismatch, ErrStateMismatch.Message, nil))
	}
	if !hasVerifier {
		return f.fail(newError(KindVerifierMissing, ErrVerifierMissing.Message, nil))
	}

	cfg, err := f.providerConfig(ctx)
	if err != nil {
		return f.fail(err)
	}
	endpoint := f.endpoints.forTenant(cfg.Tenant())

	form := url.Values{
		"client_id":     {cfg.ClientID},
		"scope":         {tokenScope},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {f.RedirectURI()},
		"code_verifier": {sess.Verifier},
	}
	tok, err := exchangeCode(ctx, f.httpClient, endpoint.TokenURL, form)
	if err != nil {
		return f.fail(err)
	}
	f.transition(StateTokenExchanged)

	groups := []string{}
	if tok.AccessToken != "" {
		groups, err = f.groups.Resolve(ctx, tok.AccessToken)
		if err != nil {
			return f.fail(err)
		}
		f.transition(StateGroupsResolved)
	}

	if err := f.handoff.Handoff(ctx, HandoffPayload{IDToken: tok.IDToken, Groups: groups}); err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			f.logger.Debug("login.handoff_rejected", "status", be.Status)
			return f.fail(newError(KindHandoffFailed, be.Message, nil))
		}
		return f.fail(newError(KindHandoffFailed, ErrHandoffFailed.Message, err))
	}
	f.transition(StateHandedOff)

	if err := clearSession(f.storage); err != nil {
		f.logger.Warn("login.cleanup_failed", "error", err)
	}
	f.logger.Info("login.complete", "groups", len(groups))
	return nil
}

func (f *Flow) providerConfig(ctx context.Context) (ProviderConfig, error) {
	cfg, err := f.config.ProviderConfig(ctx)
	if err != nil {
		return ProviderConfig{}, newError(KindConfigMissing, "unable to load provider configuration", err)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return ProviderConfig{}, newError(KindConfigMissing, ErrConfigMissing.Message, nil)
	}
	return cfg, nil
}
