// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/internal/config"
	"github.com/geommo/geommo/internal/observability"
	"github.com/geommo/geommo/internal/web"
)

// ServeDeps contains injectable dependencies for the serve command.
// Nil fields use their default implementations.
type ServeDeps struct {
	// AccountsOpener returns the account repository for cfg.
	// Default: openAccounts (in-memory without a database URL, PostgreSQL otherwise)
	AccountsOpener func(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Accounts, error)

	// DenylistOpener returns the revocation denylist for a Redis URL.
	// Default: openDenylist
	DenylistOpener func(ctx context.Context, url string) (auth.Denylist, func() error, error)

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// APIServerFactory creates the public API server.
	// Default: web.NewServer
	APIServerFactory func(addr string, handler http.Handler, cfg web.ServerConfig, logger *slog.Logger) APIServer
}

// Accounts bundles a repository with its lifecycle hooks.
type Accounts struct {
	Repository auth.AccountRepository
	// Ping reports whether the backing store is reachable. Nil means always.
	Ping func(ctx context.Context) error
	// Close releases the backing store. Nil means nothing to release.
	Close func()
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
	Metrics() *observability.Metrics
}

// APIServer wraps the methods used from web.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Shutdown(ctx context.Context) error
	Addr() string
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}
