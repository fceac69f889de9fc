package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Routes constructs the HTTP router with all portal endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS, a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/api/config", a.handleConfig)
	r.Get("/api/session", a.handleSession)

	r.Group(func(r chi.Router) {
		if n := a.Config.Server.RateLimit.Requests; n > 0 {
			r.Use(tokenRateLimiter(n, a))
		}
		r.Post("/auth/token", a.handleTokenIngest)
	})
	r.Get("/auth/me", a.handleMe)
	r.Post("/auth/logout", a.handleLogout)
	r.Get("/auth/logout", a.handleLogout)

	return r
}

func tokenRateLimiter(requests int, a *App) func(http.Handler) http.Handler {
	window := a.Config.RateLimitWindow()
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.Metrics.Logins.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many sign-in attempts, try again later")
		}),
	)
}
