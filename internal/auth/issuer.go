// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenTypeBearer is the token_type reported alongside every pair.
const TokenTypeBearer = "bearer"

// TokenPair is an access token and a refresh token minted together.
// The two tokens carry no reference to each other.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenIssuer mints token pairs with fixed lifetimes.
type TokenIssuer struct {
	codec      *TokenCodec
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates a TokenIssuer. The access lifetime must be positive
// and strictly shorter than the refresh lifetime.
func NewTokenIssuer(codec *TokenCodec, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if codec == nil {
		return nil, oops.Errorf("token codec is required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, oops.Code("TOKEN_ISSUER_INVALID").
			With("access_ttl", accessTTL).
			With("refresh_ttl", refreshTTL).
			Errorf("token lifetimes must be positive")
	}
	if accessTTL >= refreshTTL {
		return nil, oops.Code("TOKEN_ISSUER_INVALID").
			With("access_ttl", accessTTL).
			With("refresh_ttl", refreshTTL).
			Errorf("access token lifetime must be shorter than refresh token lifetime")
	}
	return &TokenIssuer{
		codec:      codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Codec returns the codec used to sign tokens.
func (i *TokenIssuer) Codec() *TokenCodec { return i.codec }

// IssuePair mints a fresh access/refresh pair for accountID. The reported
// expiry instants are the ones signed into the tokens.
func (i *TokenIssuer) IssuePair(accountID ulid.ULID) (*TokenPair, error) {
	access, accessClaims, err := i.codec.Issue(accountID, TokenKindAccess, i.accessTTL)
	if err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("account_id", accountID.String()).
			With("kind", TokenKindAccess).
			Wrap(err)
	}
	refresh, refreshClaims, err := i.codec.Issue(accountID, TokenKindRefresh, i.refreshTTL)
	if err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("account_id", accountID.String()).
			With("kind", TokenKindRefresh).
			Wrap(err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        TokenTypeBearer,
		AccessExpiresAt:  accessClaims.ExpiresAt,
		RefreshExpiresAt: refreshClaims.ExpiresAt,
	}, nil
}
