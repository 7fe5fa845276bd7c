// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

// Package redis implements the token revocation denylist on Redis.
package redis

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/geommo/geommo/internal/auth"
)

// DefaultKeyPrefix namespaces denylist keys.
const DefaultKeyPrefix = "geommo:revoked:"

const pingTimeout = 5 * time.Second

// Denylist stores revoked token ids as Redis keys that expire with the token.
type Denylist struct {
	client goredis.Cmdable
	prefix string
	now    func() time.Time
}

// Option configures a Denylist.
type Option func(*Denylist)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(d *Denylist) { d.prefix = prefix }
}

// WithClock overrides the time source used to compute key lifetimes.
func WithClock(now func() time.Time) Option {
	return func(d *Denylist) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Denylist on client.
func New(client goredis.Cmdable, opts ...Option) *Denylist {
	d := &Denylist{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Wrap(err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return client, nil
}

// Revoke records tokenID until expiresAt with SET NX, so only the first of
// several concurrent revocations succeeds. Tokens already past expiry are ignored.
func (d *Denylist) Revoke(ctx context.Context, tokenID ulid.ULID, expiresAt time.Time) error {
	ttl := expiresAt.Sub(d.now())
	if ttl <= 0 {
		return nil
	}

	set, err := d.client.SetNX(ctx, d.key(tokenID), 1, ttl).Result()
	if err != nil {
		return oops.Code("DENYLIST_REVOKE_FAILED").With("token_id", tokenID.String()).Wrap(err)
	}
	if !set {
		return oops.Code("DENYLIST_ALREADY_REVOKED").
			With("token_id", tokenID.String()).
			Wrap(auth.ErrAlreadyRevoked)
	}
	return nil
}

// IsRevoked reports whether tokenID has an unexpired denylist entry.
func (d *Denylist) IsRevoked(ctx context.Context, tokenID ulid.ULID) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(tokenID)).Result()
	if err != nil {
		return false, oops.Code("DENYLIST_LOOKUP_FAILED").With("token_id", tokenID.String()).Wrap(err)
	}
	return n > 0, nil
}

// Enabled implements auth.Denylist.
func (d *Denylist) Enabled() bool { return true }

func (d *Denylist) key(id ulid.ULID) string {
	return d.prefix + id.String()
}

var _ auth.Denylist = (*Denylist)(nil)
