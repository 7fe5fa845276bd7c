// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/geommo/geommo/pkg/errutil"
)

var tracer = otel.Tracer("geommo/auth")

// dummyPasswordHash is verified when a username does not exist so that the
// response time of Login does not reveal which usernames are registered.
// Hashers that can produce a digest with their own work factor override it.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Service coordinates account registration, login and token lifecycle.
type Service struct {
	accounts          AccountRepository
	hasher            PasswordHasher
	issuer            *TokenIssuer
	codec             *TokenCodec
	denylist          Denylist
	logger            *slog.Logger
	minPasswordLength int
	hashConcurrency   int64
	hashSlots         *semaphore.Weighted
	dummyHash         string
}

// ServiceOption configures a Service during construction.
type ServiceOption func(*Service)

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDenylist enables token revocation through d.
func WithDenylist(d Denylist) ServiceOption {
	return func(s *Service) {
		s.denylist = d
	}
}

// WithMinPasswordLength sets the shortest accepted password, in characters.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) {
		s.minPasswordLength = n
	}
}

// WithHashConcurrency bounds how many password hash operations run at once.
// Zero or a negative value means runtime.GOMAXPROCS(0).
func WithHashConcurrency(n int) ServiceOption {
	return func(s *Service) {
		s.hashConcurrency = int64(n)
	}
}

// NewService creates a Service. All three dependencies are required.
func NewService(accounts AccountRepository, hasher PasswordHasher, issuer *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if accounts == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if issuer == nil {
		return nil, oops.Errorf("token issuer is required")
	}

	s := &Service{
		accounts:          accounts,
		hasher:            hasher,
		issuer:            issuer,
		codec:             issuer.Codec(),
		denylist:          NopDenylist{},
		logger:            slog.Default(),
		minPasswordLength: DefaultMinPasswordLength,
		dummyHash:         dummyPasswordHash,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		return nil, oops.Errorf("logger cannot be nil")
	}
	if s.denylist == nil {
		return nil, oops.Errorf("denylist cannot be nil")
	}
	if s.minPasswordLength < 1 {
		return nil, oops.With("min_password_length", s.minPasswordLength).
			Errorf("minimum password length must be at least 1")
	}
	if s.hashConcurrency <= 0 {
		s.hashConcurrency = int64(runtime.GOMAXPROCS(0))
	}
	s.hashSlots = semaphore.NewWeighted(s.hashConcurrency)

	if d, ok := hasher.(interface{ DummyHash() string }); ok {
		s.dummyHash = d.DummyHash()
	}
	return s, nil
}

// Register creates an account and returns its first token pair.
func (s *Service) Register(ctx context.Context, username, password string) (pair *TokenPair, err error) {
	ctx, end := s.startOperation(ctx, "register")
	defer func() { end(err) }()

	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := s.checkPasswordStrength(password); err != nil {
		return nil, err
	}

	hash, err := s.hash(ctx, password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	account, err := NewAccount(username, hash)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, ErrUsernameTaken(username)
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create account").
			With("username", username).
			Wrap(err)
	}

	pair, err = s.issuer.IssuePair(account.ID)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "issue tokens").
			Wrap(err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("account.id", account.ID.String()))
	s.logger.InfoContext(ctx, "account registered", "account_id", account.ID.String())
	return pair, nil
}

// Login checks a username and password and returns a fresh token pair.
// An unknown username and a wrong password produce the same error, and both
// paths perform one password verification. Login never writes to the account.
func (s *Service) Login(ctx context.Context, username, password string) (pair *TokenPair, err error) {
	ctx, end := s.startOperation(ctx, "login")
	defer func() { end(err) }()

	// A username that could never be registered is looked up as absent so it
	// takes the same path as an unknown one.
	var (
		account   *Account
		lookupErr error
	)
	if ValidateUsername(username) != nil {
		lookupErr = ErrNotFound
	} else {
		account, lookupErr = s.accounts.GetByUsername(ctx, username)
	}

	targetHash := s.dummyHash
	accountExists := false
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get account by username").
				Wrap(lookupErr)
		}
	} else {
		targetHash = account.PasswordHash
		accountExists = true
	}

	valid, verifyErr := s.verify(ctx, password, targetHash)
	if verifyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, oops.Code("AUTH_LOGIN_FAILED").Wrap(ctxErr)
		}
		if !accountExists {
			return nil, ErrInvalidCredentials()
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(verifyErr)
	}

	if !accountExists || !valid {
		return nil, ErrInvalidCredentials()
	}
	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		LegacyDigestLogins.Inc()
		s.logger.InfoContext(ctx, "login with legacy password digest",
			"account_id", account.ID.String())
	}

	pair, err = s.issuer.IssuePair(account.ID)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue tokens").
			Wrap(err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("account.id", account.ID.String()))
	return pair, nil
}

// Refresh exchanges a valid refresh token for a brand-new pair.
// With an enabled denylist the presented refresh token is single use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, end := s.startOperation(ctx, "refresh")
	defer func() { end(err) }()

	claims, err := s.decode(ctx, refreshToken, TokenKindRefresh)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken(err)
		}
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "get account by id").
			With("account_id", claims.Subject.String()).
			Wrap(err)
	}

	pair, err = s.issuer.IssuePair(account.ID)
	if err != nil {
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "issue tokens").
			Wrap(err)
	}

	// Revoke only once the replacement exists, so a failed refresh leaves the
	// presented token usable. Revoke is first-writer-wins, so a concurrent
	// refresh of the same token discards its pair here.
	if s.denylist.Enabled() {
		if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt); err != nil {
			if errors.Is(err, ErrAlreadyRevoked) {
				return nil, ErrInvalidToken(err)
			}
			return nil, oops.Code("AUTH_REFRESH_FAILED").
				With("operation", "revoke refresh token").
				Wrap(err)
		}
	}
	return pair, nil
}

// WhoAmI returns the public fields of the account an access token belongs to.
func (s *Service) WhoAmI(ctx context.Context, accessToken string) (account *PublicAccount, err error) {
	ctx, end := s.startOperation(ctx, "whoami")
	defer func() { end(err) }()

	_, resolved, err := s.resolve(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	pub := resolved.Public()
	return &pub, nil
}

// ChangePassword replaces the password of the account an access token belongs to.
// No tokens are issued. With an enabled denylist the presented access token is revoked.
func (s *Service) ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) (err error) {
	ctx, end := s.startOperation(ctx, "change_password")
	defer func() { end(err) }()

	claims, account, err := s.resolve(ctx, accessToken)
	if err != nil {
		return err
	}

	valid, err := s.verify(ctx, oldPassword, account.PasswordHash)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if !valid {
		return ErrInvalidCredentials()
	}

	if err := s.checkPasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := s.hash(ctx, newPassword)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.accounts.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAccountNotFound(account.ID.String())
		}
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "update password hash").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	if s.denylist.Enabled() {
		if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
			s.logger.WarnContext(ctx, "best-effort token revocation failed",
				"operation", "revoke_access",
				"account_id", account.ID.String(),
				"error", err.Error())
		}
	}

	s.logger.InfoContext(ctx, "password changed", "account_id", account.ID.String())
	return nil
}

// Authenticate validates an access token and returns its subject.
// It is the request guard used by the HTTP middleware and does not touch the repository.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (ulid.ULID, error) {
	claims, err := s.decode(ctx, accessToken, TokenKindAccess)
	if err != nil {
		return ulid.ULID{}, err
	}
	return claims.Subject, nil
}

// Logout revokes the presented tokens when a denylist is enabled and is a
// successful no-op otherwise. refreshToken is optional; an unusable one is ignored.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) (err error) {
	ctx, end := s.startOperation(ctx, "logout")
	defer func() { end(err) }()

	access, err := s.decode(ctx, accessToken, TokenKindAccess)
	if err != nil {
		return err
	}
	if !s.denylist.Enabled() {
		return nil
	}

	if err := s.revoke(ctx, access); err != nil {
		return err
	}

	if refreshToken == "" {
		return nil
	}
	refresh, decodeErr := s.codec.DecodeKind(refreshToken, TokenKindRefresh)
	if decodeErr != nil || refresh.Subject != access.Subject {
		return nil
	}
	return s.revoke(ctx, refresh)
}

// MinPasswordLength returns the configured password policy.
func (s *Service) MinPasswordLength() int {
	return s.minPasswordLength
}

// AccessTTL returns the lifetime of issued access tokens.
func (s *Service) AccessTTL() time.Duration {
	return s.issuer.AccessTTL()
}

func (s *Service) revoke(ctx context.Context, claims *TokenClaims) error {
	err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt)
	if err == nil || errors.Is(err, ErrAlreadyRevoked) {
		return nil
	}
	return oops.Code("AUTH_LOGOUT_FAILED").
		With("operation", "revoke token").
		With("kind", claims.Kind).
		Wrap(err)
}

// decode verifies token as kind and consults the denylist. Every token
// problem becomes AUTH_INVALID_TOKEN; denylist outages are returned as faults.
func (s *Service) decode(ctx context.Context, token string, kind TokenKind) (claims *TokenClaims, err error) {
	defer func() { recordVerification(kind, err) }()

	claims, err = s.codec.DecodeKind(token, kind)
	if err != nil {
		return nil, ErrInvalidToken(err)
	}

	revoked, err := s.denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, oops.Code("AUTH_DENYLIST_UNAVAILABLE").
			With("token_id", claims.ID.String()).
			Wrap(err)
	}
	if revoked {
		return nil, ErrInvalidToken(ErrAlreadyRevoked)
	}
	return claims, nil
}

// resolve decodes an access token and loads its account.
func (s *Service) resolve(ctx context.Context, accessToken string) (*TokenClaims, *Account, error) {
	claims, err := s.decode(ctx, accessToken, TokenKindAccess)
	if err != nil {
		return nil, nil, err
	}

	account, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrAccountNotFound(claims.Subject.String())
		}
		return nil, nil, oops.Code("AUTH_ACCOUNT_LOOKUP_FAILED").
			With("account_id", claims.Subject.String()).
			Wrap(err)
	}
	return claims, account, nil
}

func (s *Service) checkPasswordStrength(password string) error {
	if utf8.RuneCountInString(password) < s.minPasswordLength {
		return ErrWeakPassword(s.minPasswordLength)
	}
	return nil
}

func (s *Service) hash(ctx context.Context, password string) (string, error) {
	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.hashSlots.Release(1)
	return s.hasher.Hash(password)
}

func (s *Service) verify(ctx context.Context, password, hash string) (bool, error) {
	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hashSlots.Release(1)
	return s.hasher.Verify(password, hash)
}

// startOperation opens a span for an auth operation. The returned func ends
// the span and records the operation metric.
func (s *Service) startOperation(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "auth."+operation)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := errutil.Code(err); code != "" {
				span.SetAttributes(attribute.String("error.code", code))
			}
		}
		recordOperation(operation, err)
		span.End()
	}
}
