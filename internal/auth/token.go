// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

// Token kinds carried in the "type" claim.
const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	return k == TokenKindAccess || k == TokenKindRefresh
}

// Supported signing algorithms. Only the HMAC family is accepted.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmHS384 = "HS384"
	AlgorithmHS512 = "HS512"
)

// TokenClaims is the decoded, validated content of a token.
type TokenClaims struct {
	Subject   ulid.ULID
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        ulid.ULID
}

type tokenPayload struct {
	jwt.RegisteredClaims
	Type TokenKind `json:"type"`
}

// TokenCodec signs and verifies bearer tokens with a process-wide HMAC secret.
// It is safe for concurrent use; the secret is never modified after construction.
type TokenCodec struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	now    func() time.Time
	parser *jwt.Parser
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCodec creates a TokenCodec for the given secret and HMAC algorithm name.
func NewTokenCodec(secret []byte, algorithm string, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, oops.Code("TOKEN_CODEC_INVALID").Errorf("signing secret is required")
	}

	var method *jwt.SigningMethodHMAC
	switch algorithm {
	case AlgorithmHS256:
		method = jwt.SigningMethodHS256
	case AlgorithmHS384:
		method = jwt.SigningMethodHS384
	case AlgorithmHS512:
		method = jwt.SigningMethodHS512
	default:
		return nil, oops.Code("TOKEN_CODEC_INVALID").
			With("algorithm", algorithm).
			Errorf("unsupported signing algorithm %q", algorithm)
	}

	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		method: method,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	return c, nil
}

// Algorithm returns the configured signing algorithm name.
func (c *TokenCodec) Algorithm() string {
	return c.method.Alg()
}

// Encode signs a token for subject of the given kind that expires after ttl.
func (c *TokenCodec) Encode(subject ulid.ULID, kind TokenKind, ttl time.Duration) (string, error) {
	token, _, err := c.Issue(subject, kind, ttl)
	return token, err
}

// Issue signs a token like Encode and also returns the claims it carries.
// JWT timestamps have whole-second precision, so issued_at is the current time
// truncated to the second and ttl is rounded up to a whole second. A token is
// therefore valid for at least ttl after the issued_at it reports.
func (c *TokenCodec) Issue(subject ulid.ULID, kind TokenKind, ttl time.Duration) (string, *TokenClaims, error) {
	if !kind.Valid() {
		return "", nil, oops.Code("TOKEN_ENCODE_FAILED").With("kind", kind).Errorf("unknown token kind")
	}
	if ttl <= 0 {
		return "", nil, oops.Code("TOKEN_ENCODE_FAILED").With("ttl", ttl).Errorf("token lifetime must be positive")
	}

	claims := &TokenClaims{
		Subject:  subject,
		Kind:     kind,
		IssuedAt: c.now().Truncate(time.Second),
		ID:       ulid.Make(),
	}
	claims.ExpiresAt = claims.IssuedAt.Add(roundUpToSecond(ttl))

	payload := tokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        claims.ID.String(),
		},
		Type: kind,
	}

	signed, err := jwt.NewWithClaims(c.method, payload).SignedString(c.secret)
	if err != nil {
		return "", nil, oops.Code("TOKEN_ENCODE_FAILED").With("kind", kind).Wrap(err)
	}
	return signed, claims, nil
}

func roundUpToSecond(d time.Duration) time.Duration {
	if rem := d % time.Second; rem != 0 {
		return d + time.Second - rem
	}
	return d
}

// Decode verifies the signature and expiry of token and returns its claims.
// The token kind is not checked; use DecodeKind for that.
func (c *TokenCodec) Decode(token string) (*TokenClaims, error) {
	payload := &tokenPayload{}
	_, err := c.parser.ParseWithClaims(token, payload, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	subject, err := ulid.ParseStrict(payload.Subject)
	if err != nil {
		return nil, oops.Code(CodeTokenMalformed).With("claim", "sub").Wrapf(err, "invalid subject")
	}
	id, err := ulid.ParseStrict(payload.ID)
	if err != nil {
		return nil, oops.Code(CodeTokenMalformed).With("claim", "jti").Wrapf(err, "invalid token id")
	}
	if !payload.Type.Valid() {
		return nil, oops.Code(CodeTokenMalformed).With("claim", "type").Errorf("unknown token kind %q", payload.Type)
	}
	if payload.IssuedAt == nil {
		return nil, oops.Code(CodeTokenMalformed).With("claim", "iat").Errorf("missing issued-at")
	}

	return &TokenClaims{
		Subject:   subject,
		Kind:      payload.Type,
		IssuedAt:  payload.IssuedAt.Time,
		ExpiresAt: payload.ExpiresAt.Time,
		ID:        id,
	}, nil
}

// DecodeKind decodes token and additionally requires it to be of kind want.
func (c *TokenCodec) DecodeKind(token string, want TokenKind) (*TokenClaims, error) {
	claims, err := c.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != want {
		return nil, oops.Code(CodeTokenWrongKind).
			With("want", want).
			With("got", claims.Kind).
			Errorf("expected %s token", want)
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return oops.Code(CodeTokenBadSignature).Wrapf(err, "invalid token signature")
	case errors.Is(err, jwt.ErrTokenExpired):
		return oops.Code(CodeTokenExpired).Errorf("token has expired")
	default:
		return oops.Code(CodeTokenMalformed).Wrapf(err, "malformed token")
	}
}
