// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/internal/auth/memory"
	"github.com/geommo/geommo/internal/config"
	"github.com/geommo/geommo/pkg/errutil"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	isolateEnv(t)
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	cfg.Server.Addr = freeAddr(t)
	cfg.Metrics.Addr = freeAddr(t)
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Log.Format = "text"
	cfg.Auth.Secret = strings.Repeat("s", config.MinSecretLength)
	cfg.Auth.Hash = config.HashConfig{MemoryKiB: 1024, Time: 1, Threads: 1}
	return cfg
}

func testCommand() (*cobra.Command, *syncBuffer) {
	out := &syncBuffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd, out
}

var testClient = &http.Client{
	Timeout:   2 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func waitFor(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := testClient.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "server at %s never became healthy", url)
}

func TestRunServe_ServesAPIAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cmd, out := testCommand()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runServeWithDeps(ctx, cfg, cmd, nil) }()

	apiURL := "http://" + cfg.Server.Addr
	metricsURL := "http://" + cfg.Metrics.Addr
	waitFor(t, apiURL+"/healthz")
	waitFor(t, metricsURL+"/healthz/readiness")

	resp, err := testClient.Post(apiURL+"/auth/register", "application/json",
		strings.NewReader(`{"username":"alice","password":"correct-horse"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = testClient.Get(metricsURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "geommo_auth_operations_total")
	assert.Contains(t, string(body), "geommo_http_request_duration_seconds")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	assert.Contains(t, out.String(), "GeoMMO server started")
}

func TestRunServe_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	cmd, _ := testCommand()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runServeWithDeps(ctx, cfg, cmd, nil) }()
	waitFor(t, "http://"+cfg.Server.Addr+"/healthz")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""
	cmd, _ := testCommand()

	err := runServeWithDeps(context.Background(), cfg, cmd, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestRunServe_AccountStoreFailure(t *testing.T) {
	cfg := testConfig(t)
	cmd, _ := testCommand()

	deps := &ServeDeps{
		AccountsOpener: func(context.Context, config.DatabaseConfig, *slog.Logger) (*Accounts, error) {
			return nil, errors.New("connection refused")
		},
	}

	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SERVE_FAILED")
}

func TestRunServe_DenylistFailureReleasesAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Revocation.RedisURL = "redis://127.0.0.1:1/0"
	cmd, _ := testCommand()

	closed := false
	deps := &ServeDeps{
		AccountsOpener: func(context.Context, config.DatabaseConfig, *slog.Logger) (*Accounts, error) {
			return &Accounts{
				Repository: memory.NewAccountRepository(),
				Close:      func() { closed = true },
			}, nil
		},
		DenylistOpener: func(context.Context, string) (auth.Denylist, func() error, error) {
			return nil, nil, errors.New("dial tcp: connection refused")
		},
	}

	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SERVE_FAILED")
	assert.True(t, closed, "account store should be closed when startup fails")
}

func TestRunServe_APIListenFailureStopsObservability(t *testing.T) {
	cfg := testConfig(t)
	cmd, _ := testCommand()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.Server.Addr = busy.Addr().String()

	err = runServeWithDeps(context.Background(), cfg, cmd, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "WEB_LISTEN_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "start api server")

	// The metrics listener must have been released.
	l, err := net.Listen("tcp", cfg.Metrics.Addr)
	require.NoError(t, err)
	l.Close()
}

func TestMonitorServerErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("error cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		errCh <- errors.New("listener died")

		monitorServerErrors(ctx, cancel, errCh, "api", logger)
		assert.Error(t, ctx.Err())
	})

	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)

		monitorServerErrors(ctx, cancel, errCh, "api", logger)
		assert.NoError(t, ctx.Err())
	})
}
