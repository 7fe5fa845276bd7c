// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

// Package config loads GeoMMO settings from defaults, a YAML file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/geommo/geommo/internal/auth"
)

// EnvPrefix is stripped from environment variables; "__" separates nesting levels.
const EnvPrefix = "GEOMMO_"

// MinSecretLength is the shortest accepted signing secret, in bytes.
const MinSecretLength = 32

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Auth       AuthConfig       `koanf:"auth"`
	Revocation RevocationConfig `koanf:"revocation"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig configures the metrics/health listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig configures PostgreSQL. An empty URL selects the in-memory repository.
type DatabaseConfig struct {
	URL            string        `koanf:"url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// AuthConfig configures tokens and password handling.
type AuthConfig struct {
	Secret            string        `koanf:"secret"`
	Algorithm         string        `koanf:"algorithm"`
	AccessTTL         time.Duration `koanf:"access_ttl"`
	RefreshTTL        time.Duration `koanf:"refresh_ttl"`
	MinPasswordLength int           `koanf:"min_password_length"`
	Hash              HashConfig    `koanf:"hash"`
	HashConcurrency   int           `koanf:"hash_concurrency"`
}

// HashConfig is the argon2id work factor for new digests.
type HashConfig struct {
	MemoryKiB uint32 `koanf:"memory_kib"`
	Time      uint32 `koanf:"time"`
	Threads   uint8  `koanf:"threads"`
}

// RevocationConfig configures the token denylist. An empty RedisURL disables revocation.
type RevocationConfig struct {
	RedisURL string `koanf:"redis_url"`
}

// RateLimitConfig configures per-client limits on credential endpoints.
type RateLimitConfig struct {
	AuthPerMinute int `koanf:"auth_per_minute"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":               ":8000",
		"server.read_timeout":       "15s",
		"server.write_timeout":      "15s",
		"server.shutdown_timeout":   "10s",
		"metrics.addr":              "127.0.0.1:9100",
		"log.format":                "json",
		"log.level":                 "info",
		"database.url":              "",
		"database.connect_timeout":  "30s",
		"auth.secret":               "",
		"auth.algorithm":            auth.AlgorithmHS256,
		"auth.access_ttl":           auth.DefaultAccessTTL.String(),
		"auth.refresh_ttl":          auth.DefaultRefreshTTL.String(),
		"auth.min_password_length":  auth.DefaultMinPasswordLength,
		"auth.hash.memory_kib":      auth.DefaultArgon2Memory,
		"auth.hash.time":            auth.DefaultArgon2Time,
		"auth.hash.threads":         auth.DefaultArgon2Threads,
		"auth.hash_concurrency":     0,
		"revocation.redis_url":      "",
		"ratelimit.auth_per_minute": 20,
	}
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"addr":         "server.addr",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"database-url": "database.url",
}

// Load builds a Config. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", legacyEnv), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "legacy env").Wrap(err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := FlagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return &cfg, nil
}

// envKey turns GEOMMO_AUTH__ACCESS_TTL into auth.access_ttl.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// legacyEnv accepts the variable names earlier deployments used.
func legacyEnv(key, value string) (string, any) {
	switch key {
	case "DATABASE_URL":
		return "database.url", value
	case "JWT_SECRET_KEY":
		return "auth.secret", value
	case "JWT_ALGORITHM":
		return "auth.algorithm", value
	case "ACCESS_TOKEN_EXPIRE_MINUTES":
		if n, err := strconv.Atoi(value); err == nil {
			return "auth.access_ttl", (time.Duration(n) * time.Minute).String()
		}
	case "REFRESH_TOKEN_EXPIRE_DAYS":
		if n, err := strconv.Atoi(value); err == nil {
			return "auth.refresh_ttl", (time.Duration(n) * 24 * time.Hour).String()
		}
	}
	return "", nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("server.shutdown_timeout must be positive")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if len(c.Auth.Secret) < MinSecretLength {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.secret is required and must be at least %d bytes", MinSecretLength)
	}
	switch c.Auth.Algorithm {
	case auth.AlgorithmHS256, auth.AlgorithmHS384, auth.AlgorithmHS512:
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.algorithm must be one of HS256, HS384, HS512, got %q", c.Auth.Algorithm)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.access_ttl and auth.refresh_ttl must be positive")
	}
	if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.access_ttl (%s) must be shorter than auth.refresh_ttl (%s)", c.Auth.AccessTTL, c.Auth.RefreshTTL)
	}
	if c.Auth.MinPasswordLength < 1 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.min_password_length must be at least 1")
	}
	if c.Auth.Hash.MemoryKiB == 0 || c.Auth.Hash.Time == 0 || c.Auth.Hash.Threads == 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.hash parameters must be positive")
	}
	if c.RateLimit.AuthPerMinute < 0 {
		return oops.Code("CONFIG_INVALID").Errorf("ratelimit.auth_per_minute cannot be negative")
	}
	return nil
}

// ParseLevel converts a log level name to the form accepted by logging.Setup.
func ParseLevel(level string) (string, error) {
	switch l := strings.ToLower(level); l {
	case "debug", "info", "warn", "error":
		return l, nil
	default:
		return "", oops.Code("CONFIG_INVALID").Errorf("log.level must be debug, info, warn or error, got %q", level)
	}
}

// String renders the configuration with secrets redacted.
func (c Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	return fmt.Sprintf(
		"server.addr=%s metrics.addr=%s log=%s/%s database.url=%s auth.algorithm=%s auth.access_ttl=%s auth.refresh_ttl=%s auth.secret=%s revocation.redis_url=%s",
		c.Server.Addr, c.Metrics.Addr, c.Log.Format, c.Log.Level,
		redact(c.Database.URL), c.Auth.Algorithm, c.Auth.AccessTTL, c.Auth.RefreshTTL,
		redact(c.Auth.Secret), redact(c.Revocation.RedisURL),
	)
}
