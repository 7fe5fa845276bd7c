// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/internal/observability"
	"github.com/geommo/geommo/pkg/errutil"
)

// Guard validates an access token and returns the account it belongs to.
// *auth.Service satisfies it.
type Guard interface {
	Authenticate(ctx context.Context, accessToken string) (ulid.ULID, error)
}

type ctxKey int

const (
	accountIDKey ctxKey = iota
	accessTokenKey
)

// AccountIDFromContext returns the authenticated account id set by
// RequireAuth or OptionalAuth.
func AccountIDFromContext(ctx context.Context) (ulid.ULID, bool) {
	id, ok := ctx.Value(accountIDKey).(ulid.ULID)
	return id, ok
}

// AccessTokenFromContext returns the bearer token the request was authenticated with.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenKey).(string)
	return token, ok
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive; exactly one space separates it
// from a non-empty token.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func withIdentity(r *http.Request, id ulid.ULID, token string) *http.Request {
	ctx := context.WithValue(r.Context(), accountIDKey, id)
	ctx = context.WithValue(ctx, accessTokenKey, token)
	return r.WithContext(ctx)
}

// RequireAuth rejects requests without a valid access token with 401 before
// next runs. Guard faults other than token problems are logged and answered
// with 500.
func RequireAuth(guard Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				writeUnauthorized(w, detailNotAuthenticated)
				return
			}

			id, err := guard.Authenticate(r.Context(), token)
			if err != nil {
				if errutil.Code(err) == auth.CodeInvalidToken {
					writeUnauthorized(w, detailBadCredentials)
					return
				}
				errutil.LogError(r.Context(), nil, "bearer authentication failed", err)
				writeDetail(w, http.StatusInternalServerError, detailInternal)
				return
			}

			next.ServeHTTP(w, withIdentity(r, id, token))
		})
	}
}

// OptionalAuth attaches an identity when a valid access token is present and
// otherwise continues anonymously.
func OptionalAuth(guard Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			id, err := guard.Authenticate(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, withIdentity(r, id, token))
		})
	}
}

// routeLabel is the matched chi pattern, so metric cardinality stays bounded.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// accessLog logs one line per request and observes the latency histogram.
func accessLog(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routeLabel(r)

			if metrics != nil {
				metrics.RequestDuration.
					WithLabelValues(r.Method, route, strconv.Itoa(status)).
					Observe(elapsed.Seconds())
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", elapsed),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
