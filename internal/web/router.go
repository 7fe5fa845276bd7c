// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/geommo/geommo/internal/observability"
)

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	logger        *slog.Logger
	metrics       *observability.Metrics
	authPerMinute int
	mount         []func(chi.Router, Guards)
}

// Guards are the auth middlewares bound to the router's service.
type Guards struct {
	// Require rejects requests without a valid access token.
	Require func(http.Handler) http.Handler
	// Optional attaches the identity of a valid access token and otherwise
	// serves the request anonymously.
	Optional func(http.Handler) http.Handler
}

// WithLogger sets the access and error logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RouterOption {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records request latency and rate-limit rejections.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(c *routerConfig) { c.metrics = m }
}

// WithAuthRateLimit limits register, login and refresh to n requests per
// minute per client IP. Zero disables the limit.
func WithAuthRateLimit(n int) RouterOption {
	return func(c *routerConfig) { c.authPerMinute = n }
}

// WithRoutes mounts additional routes. mount receives the root router and
// the required and optional auth middlewares bound to the service.
func WithRoutes(mount func(r chi.Router, guards Guards)) RouterOption {
	return func(c *routerConfig) { c.mount = append(c.mount, mount) }
}

// NewRouter builds the public API handler.
func NewRouter(service AuthService, opts ...RouterOption) http.Handler {
	cfg := routerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := NewHandler(service, cfg.logger)
	guards := Guards{Require: RequireAuth(service), Optional: OptionalAuth(service)}

	secureHeaders := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	})

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		echoRequestID,
		middleware.RealIP,
		accessLog(cfg.logger, cfg.metrics),
		middleware.Recoverer,
		secureHeaders.Handler,
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", health)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.authPerMinute > 0 {
				r.Use(rateLimit(cfg.authPerMinute, cfg.metrics))
			}
			r.Post("/register", h.register)
			r.Post("/login", h.login)
			r.Post("/refresh", h.refresh)
		})
		r.Group(func(r chi.Router) {
			r.Use(guards.Require)
			r.Get("/me", h.me)
			r.Get("/info", h.me)
			r.Post("/change-password", h.changePassword)
			r.Post("/logout", h.logout)
		})
	})

	for _, mount := range cfg.mount {
		mount(r, guards)
	}
	return r
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func rateLimit(perMinute int, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			}
			writeDetail(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}
