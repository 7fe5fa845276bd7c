// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Denylist records revoked token ids until the tokens would have expired anyway.
// Implementations must be safe for concurrent use.
type Denylist interface {
	// Revoke marks tokenID as unusable until expiresAt. The check-and-set is atomic:
	// exactly one of several concurrent calls for the same id succeeds and the rest
	// return an error wrapping ErrAlreadyRevoked.
	Revoke(ctx context.Context, tokenID ulid.ULID, expiresAt time.Time) error

	// IsRevoked reports whether tokenID has been revoked.
	IsRevoked(ctx context.Context, tokenID ulid.ULID) (bool, error)

	// Enabled reports whether revocations take effect.
	Enabled() bool
}

// NopDenylist never revokes anything. Tokens stay valid until they expire.
type NopDenylist struct{}

// Revoke implements Denylist.
func (NopDenylist) Revoke(context.Context, ulid.ULID, time.Time) error { return nil }

// IsRevoked implements Denylist.
func (NopDenylist) IsRevoked(context.Context, ulid.ULID) (bool, error) { return false, nil }

// Enabled implements Denylist.
func (NopDenylist) Enabled() bool { return false }

var _ Denylist = NopDenylist{}

// ErrAlreadyRevoked is returned by Revoke when the token id was already on the denylist.
var ErrAlreadyRevoked = errors.New("token already revoked")
