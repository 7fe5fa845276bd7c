// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/internal/auth/memory"
	"github.com/geommo/geommo/internal/auth/postgres"
	"github.com/geommo/geommo/internal/auth/redis"
	"github.com/geommo/geommo/internal/config"
	"github.com/geommo/geommo/internal/logging"
	"github.com/geommo/geommo/internal/observability"
	"github.com/geommo/geommo/internal/store"
	"github.com/geommo/geommo/internal/web"
)

const readinessPingTimeout = 2 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the account and token API",
		Long: `Start the HTTP API serving registration, login, token refresh and
account endpoints, plus the metrics/health listener.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	cmd.Flags().String("addr", ":8000", "API listen address")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("database-url", "", "PostgreSQL URL (empty = in-memory accounts)")

	return cmd
}

// runServeWithDeps runs the server until ctx is cancelled, SIGINT/SIGTERM
// arrives, or a listener fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.AccountsOpener == nil {
		deps.AccountsOpener = openAccounts
	}
	if deps.DenylistOpener == nil {
		deps.DenylistOpener = openDenylist
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, checker observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, checker, observability.WithLogger(logger))
		}
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(addr string, handler http.Handler, sc web.ServerConfig, logger *slog.Logger) APIServer {
			return web.NewServer(addr, handler, sc, logger)
		}
	}

	if err := cfg.Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").Wrapf(err, "invalid configuration")
	}

	logger := logging.Setup("geommo", version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	logger.Info("starting geommo", "config", cfg.String())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	service, accounts, closeDenylist, err := buildService(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer func() {
		if accounts.Close != nil {
			accounts.Close()
		}
		if closeDenylist != nil {
			if closeErr := closeDenylist(); closeErr != nil {
				logger.Warn("error closing denylist", "error", closeErr)
			}
		}
	}()

	var ready atomic.Bool
	readiness := func() bool {
		if !ready.Load() {
			return false
		}
		if accounts.Ping == nil {
			return true
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), readinessPingTimeout)
		defer pingCancel()
		return accounts.Ping(pingCtx) == nil
	}

	routerOpts := []web.RouterOption{
		web.WithLogger(logger),
		web.WithAuthRateLimit(cfg.RateLimit.AuthPerMinute),
	}

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, readiness, logger)
		auth.RegisterMetrics(obsServer.Registry())
		routerOpts = append(routerOpts, web.WithMetrics(obsServer.Metrics()))

		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_FAILED").With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	apiServer := deps.APIServerFactory(cfg.Server.Addr, web.NewRouter(service, routerOpts...), web.ServerConfig{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.Code("SERVE_FAILED").With("operation", "start api server").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api", logger)

	ready.Store(true)
	cmd.Println("GeoMMO server started")
	logger.Info("geommo ready", "addr", apiServer.Addr(), "revocation", cfg.Revocation.RedisURL != "")

	<-ctx.Done()
	logger.Info("shutting down")
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping api server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// buildService wires the hasher, token issuer, repository and denylist.
// On error, anything already opened is released.
func buildService(ctx context.Context, cfg *config.Config, deps *ServeDeps, logger *slog.Logger) (*auth.Service, *Accounts, func() error, error) {
	hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Memory:  cfg.Auth.Hash.MemoryKiB,
		Time:    cfg.Auth.Hash.Time,
		Threads: cfg.Auth.Hash.Threads,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	codec, err := auth.NewTokenCodec([]byte(cfg.Auth.Secret), cfg.Auth.Algorithm)
	if err != nil {
		return nil, nil, nil, err
	}
	issuer, err := auth.NewTokenIssuer(codec, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if err != nil {
		return nil, nil, nil, err
	}

	accounts, err := deps.AccountsOpener(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, oops.Code("SERVE_FAILED").With("operation", "open account store").Wrap(err)
	}

	opts := []auth.ServiceOption{
		auth.WithLogger(logger),
		auth.WithMinPasswordLength(cfg.Auth.MinPasswordLength),
		auth.WithHashConcurrency(cfg.Auth.HashConcurrency),
	}

	var closeDenylist func() error
	if cfg.Revocation.RedisURL != "" {
		denylist, closeFn, err := deps.DenylistOpener(ctx, cfg.Revocation.RedisURL)
		if err != nil {
			if accounts.Close != nil {
				accounts.Close()
			}
			return nil, nil, nil, oops.Code("SERVE_FAILED").With("operation", "open denylist").Wrap(err)
		}
		closeDenylist = closeFn
		opts = append(opts, auth.WithDenylist(denylist))
	}

	service, err := auth.NewService(accounts.Repository, hasher, issuer, opts...)
	if err != nil {
		if accounts.Close != nil {
			accounts.Close()
		}
		if closeDenylist != nil {
			_ = closeDenylist() //nolint:errcheck // construction error takes precedence
		}
		return nil, nil, nil, err
	}
	return service, accounts, closeDenylist, nil
}

func openAccounts(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Accounts, error) {
	if cfg.URL == "" {
		logger.Warn("no database configured, accounts are kept in memory and lost on restart")
		return &Accounts{Repository: memory.NewAccountRepository()}, nil
	}

	pool, err := store.Connect(ctx, cfg.URL, cfg.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")
	return &Accounts{
		Repository: postgres.NewAccountRepository(pool),
		Ping:       pool.Ping,
		Close:      pool.Close,
	}, nil
}

func openDenylist(ctx context.Context, url string) (auth.Denylist, func() error, error) {
	client, err := redis.Connect(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return redis.New(client), client.Close, nil
}

func stopObservability(s ObservabilityServer, logger *slog.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("failed to stop observability server during cleanup", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports a failure after startup.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
