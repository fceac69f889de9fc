package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL     = 12 * time.Hour
	DefaultSessionBackend = "memory"
	DefaultRedisKeyPrefix = "portal:session:"
)

// Hardcoded CORS and rate limit defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	DefaultRequiredGroupNames = []string{"CustomerOnboardAdmin"}
)

const (
	DefaultRateLimitRequests = 20
	DefaultRateLimitWindow   = time.Minute
	DefaultEntraIssuer       = "https://login.microsoftonline.com/{tenant}/v2.0"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string          `yaml:"public_url"`
	FrontendURL     string          `yaml:"frontend_url"`
	DevListenAddr   string          `yaml:"dev_listen_addr"`
	HTTPListenAddr  string          `yaml:"http_listen_addr"`
	HTTPSListenAddr string          `yaml:"https_listen_addr"`
	DevMode         bool            `yaml:"dev_mode"`
	CookieDomain    string          `yaml:"cookie_domain"`
	TLS             TLSConfig       `yaml:"tls"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"-"`
	AllowedHeaders []string `yaml:"-"`
}

// RateLimitConfig bounds POST /auth/token per client IP. Requests <= 0 disables it.
type RateLimitConfig struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

// MicrosoftConfig is the public Entra app registration exposed to the frontend.
type MicrosoftConfig struct {
	ClientID string `yaml:"client_id"`
	TenantID string `yaml:"tenant_id"`
	Issuer   string `yaml:"issuer"`
}

// AuthConfig controls how ingested ID tokens are admitted.
type AuthConfig struct {
	RequiredGroupNames    []string `yaml:"required_group_names"`
	RequiredGroupIDs      []string `yaml:"required_group_ids"`
	VerifyTokens          bool     `yaml:"verify_tokens"`
	AllowUnverifiedTokens bool     `yaml:"allow_unverified_tokens"`
	DevBypass             bool     `yaml:"dev_bypass"`
}

// SessionsConfig selects where backend sessions live.
type SessionsConfig struct {
	Backend string      `yaml:"backend"`
	TTL     string      `yaml:"ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig is used when sessions.backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Server.CORS.AllowedMethods = DefaultCORSAllowedMethods
	cfg.Server.CORS.AllowedHeaders = DefaultCORSAllowedHeaders

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8000",
			FrontendURL:     "http://localhost:3000",
			DevListenAddr:   "127.0.0.1:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				CacheDir:   ".autocert",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
			RateLimit: RateLimitConfig{
				Requests: DefaultRateLimitRequests,
				Window:   DefaultRateLimitWindow.String(),
			},
		},
		Microsoft: MicrosoftConfig{
			TenantID: "common",
			Issuer:   DefaultEntraIssuer,
		},
		Auth: AuthConfig{
			RequiredGroupNames: append([]string(nil), DefaultRequiredGroupNames...),
		},
		Sessions: SessionsConfig{
			Backend: DefaultSessionBackend,
			TTL:     DefaultSessionTTL.String(),
			Redis: RedisConfig{
				KeyPrefix: DefaultRedisKeyPrefix,
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"PORTAL_SERVER_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"PORTAL_SERVER_FRONTEND_URL":       func(v string) { cfg.Server.FrontendURL = v },
		"PORTAL_SERVER_DEV_LISTEN_ADDR":    func(v string) { cfg.Server.DevListenAddr = v },
		"PORTAL_SERVER_HTTP_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPListenAddr = v },
		"PORTAL_SERVER_HTTPS_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPSListenAddr = v },
		"PORTAL_SERVER_DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"PORTAL_SERVER_COOKIE_DOMAIN":      func(v string) { cfg.Server.CookieDomain = v },
		"PORTAL_SERVER_TLS_DOMAINS":        func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"PORTAL_SERVER_TLS_EMAIL":          func(v string) { cfg.Server.TLS.Email = v },
		"PORTAL_CORS_ORIGINS":              func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"PORTAL_MS_CLIENT_ID":              func(v string) { cfg.Microsoft.ClientID = v },
		"PORTAL_MS_TENANT_ID":              func(v string) { cfg.Microsoft.TenantID = v },
		"PORTAL_AUTH_REQUIRED_GROUPS":      func(v string) { cfg.Auth.RequiredGroupNames = splitAndTrim(v) },
		"PORTAL_AUTH_REQUIRED_GROUP_IDS":   func(v string) { cfg.Auth.RequiredGroupIDs = splitAndTrim(v) },
		"PORTAL_AUTH_VERIFY_TOKENS":        func(v string) { cfg.Auth.VerifyTokens = parseBool(v, cfg.Auth.VerifyTokens) },
		"PORTAL_AUTH_ALLOW_UNVERIFIED":     func(v string) { cfg.Auth.AllowUnverifiedTokens = parseBool(v, cfg.Auth.AllowUnverifiedTokens) },
		"PORTAL_AUTH_DEV_BYPASS":           func(v string) { cfg.Auth.DevBypass = parseBool(v, cfg.Auth.DevBypass) },
		"PORTAL_SESSIONS_BACKEND":          func(v string) { cfg.Sessions.Backend = v },
		"PORTAL_SESSIONS_TTL":              func(v string) { cfg.Sessions.TTL = v },
		"PORTAL_SESSIONS_REDIS_ADDR":       func(v string) { cfg.Sessions.Redis.Addr = v },
		"PORTAL_SESSIONS_REDIS_PASSWORD":   func(v string) { cfg.Sessions.Redis.Password = v },
		"PORTAL_SESSIONS_REDIS_DB":         func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
		"PORTAL_RATE_LIMIT_REQUESTS":       func(v string) { cfg.Server.RateLimit.Requests = parseInt(v, cfg.Server.RateLimit.Requests) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionTTL returns the parsed session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Sessions.TTL, DefaultSessionTTL)
}

// RateLimitWindow returns the parsed rate limit window.
func (c Config) RateLimitWindow() time.Duration {
	return parseDuration(c.Server.RateLimit.Window, DefaultRateLimitWindow)
}

// Tenant returns the configured tenant, "common" when unset.
func (c Config) Tenant() string {
	if t := strings.TrimSpace(c.Microsoft.TenantID); t != "" {
		return t
	}
	return "common"
}

// IssuerURL resolves the expected ID token issuer for the configured tenant.
func (c Config) IssuerURL() string {
	base := c.Microsoft.Issuer
	if base == "" {
		base = DefaultEntraIssuer
	}
	if resolved, ok := resolveAzureTenantIssuer(base, c.Tenant()); ok {
		return resolved
	}
	return base
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Server.FrontendURL != "" && extractOrigin(c.Server.FrontendURL) == "" {
		slog.Error("Invalid configuration value", "field", "server.frontend_url", "value", c.Server.FrontendURL)
		return fmt.Errorf("server.frontend_url must be an absolute http(s) URL, got: %s", c.Server.FrontendURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain must be a suffix of the public URL host
	if c.Server.CookieDomain != "" {
		publicURL := strings.TrimPrefix(c.Server.PublicURL, "http://")
		publicURL = strings.TrimPrefix(publicURL, "https://")
		if idx := strings.Index(publicURL, ":"); idx != -1 {
			publicURL = publicURL[:idx]
		}
		if idx := strings.Index(publicURL, "/"); idx != -1 {
			publicURL = publicURL[:idx]
		}

		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicURL, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicURL,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicURL)
		}
	}

	for i, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			slog.Error("Wildcard CORS origin", "field", "server.cors.allowed_origins", "index", i, "reason", "credentials require explicit origins")
			return fmt.Errorf("server.cors.allowed_origins[%d]: '*' cannot be combined with credentials", i)
		}
		if extractOrigin(origin) == "" {
			slog.Error("Invalid CORS origin", "field", "server.cors.allowed_origins", "index", i, "value", origin)
			return fmt.Errorf("server.cors.allowed_origins[%d] must start with http:// or https://, got: %s", i, origin)
		}
	}

	if c.Server.RateLimit.Window != "" {
		if _, err := time.ParseDuration(c.Server.RateLimit.Window); err != nil {
			slog.Error("Invalid rate limit window", "field", "server.rate_limit.window", "value", c.Server.RateLimit.Window, "error", err)
			return fmt.Errorf("server.rate_limit.window: invalid duration '%s': %w", c.Server.RateLimit.Window, err)
		}
	}

	if c.Microsoft.ClientID == "" && !c.Auth.DevBypass {
		slog.Error("Missing required configuration", "field", "microsoft.client_id")
		return errors.New("microsoft.client_id is required unless auth.dev_bypass is enabled")
	}

	if c.Auth.VerifyTokens {
		switch strings.ToLower(c.Tenant()) {
		case "common", "organizations", "consumers":
			slog.Error("Token verification needs a specific tenant", "field", "microsoft.tenant_id", "value", c.Tenant())
			return fmt.Errorf("auth.verify_tokens requires microsoft.tenant_id to name a tenant, got: %s", c.Tenant())
		}
	}

	if c.Auth.DevBypass && !c.Server.DevMode {
		slog.Error("Dev bypass outside dev mode", "field", "auth.dev_bypass")
		return errors.New("auth.dev_bypass is only allowed when server.dev_mode is true")
	}

	switch c.Sessions.Backend {
	case "", "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required when sessions.backend is redis")
		}
	default:
		slog.Error("Unknown session backend", "field", "sessions.backend", "value", c.Sessions.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("sessions.backend must be 'memory' or 'redis', got: %s", c.Sessions.Backend)
	}

	if c.Sessions.TTL != "" {
		d, err := time.ParseDuration(c.Sessions.TTL)
		if err != nil {
			slog.Error("Invalid session TTL", "field", "sessions.ttl", "value", c.Sessions.TTL, "error", err)
			return fmt.Errorf("sessions.ttl: invalid duration '%s': %w", c.Sessions.TTL, err)
		}
		if d <= 0 {
			return fmt.Errorf("sessions.ttl must be positive, got: %s", c.Sessions.TTL)
		}
	}

	return nil
}

// InferCORSOrigins merges the configured origins with the frontend origin.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}

	add := func(raw string) {
		if origin := extractOrigin(raw); origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}

	for _, o := range c.Server.CORS.AllowedOrigins {
		add(o)
	}
	add(c.Server.FrontendURL)

	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}

	u, err := parseURL(urlStr)
	if err != nil {
		return ""
	}

	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}

	return u.Scheme + "://" + u.Host
}

func parseURL(rawURL string) (*struct{ Scheme, Host string }, error) {
	scheme := ""
	host := ""

	if idx := strings.Index(rawURL, "://"); idx != -1 {
		scheme = rawURL[:idx]
		rawURL = rawURL[idx+3:]
	} else {
		return nil, fmt.Errorf("invalid URL: missing scheme")
	}

	if idx := strings.IndexAny(rawURL, "/?#"); idx != -1 {
		host = rawURL[:idx]
	} else {
		host = rawURL
	}

	return &struct{ Scheme, Host string }{scheme, host}, nil
}
