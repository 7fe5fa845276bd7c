// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/internal/auth/memory"
	"github.com/geommo/geommo/internal/auth/mocks"
	"github.com/geommo/geommo/pkg/errutil"
)

type fixture struct {
	clk    *clock
	codec  *auth.TokenCodec
	issuer *auth.TokenIssuer
	repo   *memory.AccountRepository
	svc    *auth.Service
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	clk := newClock()
	codec := newCodec(t, clk)
	issuer, err := auth.NewTokenIssuer(codec, auth.DefaultAccessTTL, auth.DefaultRefreshTTL)
	require.NoError(t, err)
	repo := memory.NewAccountRepository()
	svc, err := auth.NewService(repo, fastHasher(t), issuer, opts...)
	require.NoError(t, err)
	return &fixture{clk: clk, codec: codec, issuer: issuer, repo: repo, svc: svc}
}

func newMockedService(t *testing.T, repo auth.AccountRepository, hasher auth.PasswordHasher, opts ...auth.ServiceOption) (*auth.Service, *auth.TokenCodec) {
	t.Helper()
	codec := newCodec(t, newClock())
	issuer, err := auth.NewTokenIssuer(codec, auth.DefaultAccessTTL, auth.DefaultRefreshTTL)
	require.NoError(t, err)
	svc, err := auth.NewService(repo, hasher, issuer, opts...)
	require.NoError(t, err)
	return svc, codec
}

// memDenylist is an in-process Denylist for exercising revocation flows.
type memDenylist struct {
	mu      sync.Mutex
	revoked map[ulid.ULID]time.Time
}

func newMemDenylist() *memDenylist {
	return &memDenylist{revoked: make(map[ulid.ULID]time.Time)}
}

func (d *memDenylist) Revoke(_ context.Context, id ulid.ULID, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.revoked[id]; ok {
		return oops.Wrap(auth.ErrAlreadyRevoked)
	}
	d.revoked[id] = expiresAt
	return nil
}

func (d *memDenylist) IsRevoked(_ context.Context, id ulid.ULID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.revoked[id]
	return ok, nil
}

func (d *memDenylist) Enabled() bool { return true }

// outageDenylist fails every Revoke while down is set.
type outageDenylist struct {
	*memDenylist
	down bool
}

func (d *outageDenylist) Revoke(ctx context.Context, id ulid.ULID, expiresAt time.Time) error {
	if d.down {
		return errors.New("redis: connection refused")
	}
	return d.memDenylist.Revoke(ctx, id, expiresAt)
}

func TestNewService_NilDependencies(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(newCodec(t, newClock()), time.Minute, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name        string
		accounts    auth.AccountRepository
		hasher      auth.PasswordHasher
		issuer      *auth.TokenIssuer
		expectError string
	}{
		{"nil account repository", nil, mocks.NewMockPasswordHasher(t), issuer, "account repository is required"},
		{"nil password hasher", mocks.NewMockAccountRepository(t), nil, issuer, "password hasher is required"},
		{"nil token issuer", mocks.NewMockAccountRepository(t), mocks.NewMockPasswordHasher(t), nil, "token issuer is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := auth.NewService(tt.accounts, tt.hasher, tt.issuer)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestNewService_InvalidOptions(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(newCodec(t, newClock()), time.Minute, time.Hour)
	require.NoError(t, err)
	repo := mocks.NewMockAccountRepository(t)
	hasher := mocks.NewMockPasswordHasher(t)

	tests := []struct {
		name        string
		opt         auth.ServiceOption
		expectError string
	}{
		{"nil logger", auth.WithLogger(nil), "logger"},
		{"nil denylist", auth.WithDenylist(nil), "denylist"},
		{"zero min password length", auth.WithMinPasswordLength(0), "minimum password length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := auth.NewService(repo, hasher, issuer, tt.opt)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account and issues pair", func(t *testing.T) {
		f := newFixture(t)

		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)
		assert.Equal(t, "bearer", pair.TokenType)

		stored, err := f.repo.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
		assert.NotContains(t, stored.PasswordHash, "password123")

		access, err := f.codec.DecodeKind(pair.AccessToken, auth.TokenKindAccess)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, access.Subject)

		refresh, err := f.codec.DecodeKind(pair.RefreshToken, auth.TokenKindRefresh)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, refresh.Subject)
	})

	t.Run("password length boundary", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Register(ctx, "alice", "1234567")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeWeakPassword)
		assert.Equal(t, 0, f.repo.Len())

		_, err = f.svc.Register(ctx, "alice", "12345678")
		require.NoError(t, err)
	})

	t.Run("custom minimum password length", func(t *testing.T) {
		f := newFixture(t, auth.WithMinPasswordLength(12))
		assert.Equal(t, 12, f.svc.MinPasswordLength())

		_, err := f.svc.Register(ctx, "alice", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeWeakPassword)
	})

	t.Run("invalid username", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Register(ctx, "ab", "password123")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidUsername)
	})

	t.Run("duplicate username", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, err = f.svc.Register(ctx, "alice", "otherpassword")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, auth.CodeUsernameTaken)
		assert.Equal(t, 1, f.repo.Len())
	})

	t.Run("repository failure is not classified", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		dbErr := errors.New("connection refused")
		hasher.On("Hash", "password123").Return("$argon2id$digest", nil)
		repo.On("Create", mock.Anything, mock.AnythingOfType("*auth.Account")).Return(dbErr)

		_, err := svc.Register(ctx, "alice", "password123")
		errutil.AssertErrorIs(t, err, dbErr, "AUTH_REGISTER_FAILED")
		errutil.AssertNoErrorContext(t, err, "password", "password_hash")
	})

	t.Run("canceled context stops before hashing", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher, auth.WithHashConcurrency(1))

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := svc.Register(canceled, "alice", "password123")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestService_Register_ConcurrentSameUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Register(ctx, "contested", "password123")
		}()
	}
	wg.Wait()

	var successes, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case auth.IsCode(err, auth.CodeUsernameTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, taken)
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials issue a pair", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		pair, err := f.svc.Login(ctx, "alice", "password123")
		require.NoError(t, err)

		account, err := f.repo.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		claims, err := f.codec.DecodeKind(pair.AccessToken, auth.TokenKindAccess)
		require.NoError(t, err)
		assert.Equal(t, account.ID, claims.Subject)
	})

	t.Run("unknown user and wrong password are indistinguishable", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, wrongPassword := f.svc.Login(ctx, "alice", "not-the-password")
		_, unknownUser := f.svc.Login(ctx, "bob", "password123")

		require.Error(t, wrongPassword)
		require.Error(t, unknownUser)
		errutil.AssertPublicError(t, wrongPassword, auth.CodeInvalidCredentials, "incorrect username or password")
		errutil.AssertPublicError(t, unknownUser, auth.CodeInvalidCredentials, "incorrect username or password")
		errutil.AssertNoErrorContext(t, wrongPassword, "password", "password_hash")
	})

	t.Run("username is case-sensitive", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, err = f.svc.Login(ctx, "Alice", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("unknown user still verifies a password", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		repo.On("GetByUsername", mock.Anything, "ghost").Return(nil, oops.Wrap(auth.ErrNotFound))
		hasher.On("Verify", "password123", mock.AnythingOfType("string")).Return(false, nil).Once()

		_, err := svc.Login(ctx, "ghost", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("unregistrable username is not looked up", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		hasher.On("Verify", "password123", mock.AnythingOfType("string")).Return(false, nil).Once()

		_, err := svc.Login(ctx, "ab\x00cd", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		repo.AssertNotCalled(t, "GetByUsername", mock.Anything, mock.Anything)
	})

	t.Run("dummy digest matches the configured work factor", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := fastHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		repo.On("GetByUsername", mock.Anything, "ghost").Return(nil, oops.Wrap(auth.ErrNotFound))

		_, err := svc.Login(ctx, "ghost", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		assert.True(t, strings.HasPrefix(hasher.DummyHash(), "$argon2id$v=19$m=1024,t=1,p=1$"))
	})

	t.Run("success does not write to the repository", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		account, err := auth.NewAccount("alice", "$2a$10$legacydigest")
		require.NoError(t, err)
		repo.On("GetByUsername", mock.Anything, "alice").Return(account, nil)
		hasher.On("Verify", "password123", account.PasswordHash).Return(true, nil)
		hasher.On("NeedsUpgrade", account.PasswordHash).Return(true)

		_, err = svc.Login(ctx, "alice", "password123")
		require.NoError(t, err)
		repo.AssertNotCalled(t, "UpdatePasswordHash", mock.Anything, mock.Anything, mock.Anything)
		hasher.AssertNotCalled(t, "Hash", mock.Anything)
	})

	t.Run("repository failure is not classified", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, _ := newMockedService(t, repo, hasher)

		repo.On("GetByUsername", mock.Anything, "alice").Return(nil, errors.New("connection reset"))

		_, err := svc.Login(ctx, "alice", "password123")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_LOGIN_FAILED")
	})

	t.Run("corrupt stored digest is a fault", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, _ := newMockedService(t, repo, fastHasher(t))

		account, err := auth.NewAccount("alice", "garbage")
		require.NoError(t, err)
		repo.On("GetByUsername", mock.Anything, "alice").Return(account, nil)

		_, err = svc.Login(ctx, "alice", "password123")
		require.Error(t, err)
		assert.False(t, auth.IsCode(err, auth.CodeInvalidCredentials))
	})
}

func TestService_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a brand-new pair", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		second, err := f.svc.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, first.AccessToken, second.AccessToken)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

		_, err = f.svc.WhoAmI(ctx, second.AccessToken)
		require.NoError(t, err)
	})

	t.Run("without a denylist the old refresh token stays usable", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)
		_, err = f.svc.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("rejects unusable tokens", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		for name, token := range map[string]string{
			"access token": pair.AccessToken,
			"garbage":      "garbage",
			"empty":        "",
		} {
			_, err := f.svc.Refresh(ctx, token)
			require.Error(t, err, name)
			errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
		}

		f.clk.Advance(auth.DefaultRefreshTTL)
		_, err = f.svc.Refresh(ctx, pair.RefreshToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("vanished account is an invalid token", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, codec := newMockedService(t, repo, mocks.NewMockPasswordHasher(t))

		subject := ulid.Make()
		refresh, err := codec.Encode(subject, auth.TokenKindRefresh, time.Hour)
		require.NoError(t, err)
		repo.On("GetByID", mock.Anything, subject).Return(nil, oops.Wrap(auth.ErrNotFound))

		_, err = svc.Refresh(ctx, refresh)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("denylist makes refresh tokens single use", func(t *testing.T) {
		f := newFixture(t, auth.WithDenylist(newMemDenylist()))
		first, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)

		_, err = f.svc.Refresh(ctx, first.RefreshToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("failed refresh leaves the presented token usable", func(t *testing.T) {
		denylist := &outageDenylist{memDenylist: newMemDenylist(), down: true}
		f := newFixture(t, auth.WithDenylist(denylist))
		first, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		pair, err := f.svc.Refresh(ctx, first.RefreshToken)
		require.Error(t, err)
		assert.Nil(t, pair)
		errutil.AssertErrorCode(t, err, "AUTH_REFRESH_FAILED")

		denylist.down = false
		_, err = f.svc.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("concurrent refreshes of one token yield one pair", func(t *testing.T) {
		f := newFixture(t, auth.WithDenylist(newMemDenylist()))
		first, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		const attempts = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			rejected int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Refresh(ctx, first.RefreshToken)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ok++
				} else if auth.IsCode(err, auth.CodeInvalidToken) {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, attempts-1, rejected)
	})
}

func TestService_EndToEnd_AccessExpiryAndRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pair, err := f.svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)

	me, err := f.svc.WhoAmI(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)

	f.clk.Advance(auth.DefaultAccessTTL + time.Second)

	_, err = f.svc.WhoAmI(ctx, pair.AccessToken)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)

	fresh, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	me, err = f.svc.WhoAmI(ctx, fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
}

func TestService_WhoAmI(t *testing.T) {
	ctx := context.Background()

	t.Run("returns public fields", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)
		stored, err := f.repo.GetByUsername(ctx, "alice")
		require.NoError(t, err)

		me, err := f.svc.WhoAmI(ctx, pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, me.ID)
		assert.Equal(t, "alice", me.Username)
		assert.Equal(t, stored.CreatedAt, me.CreatedAt)
	})

	t.Run("refresh token is rejected", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		_, err = f.svc.WhoAmI(ctx, pair.RefreshToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("unknown subject", func(t *testing.T) {
		f := newFixture(t)
		orphan, err := f.codec.Encode(ulid.Make(), auth.TokenKindAccess, time.Minute)
		require.NoError(t, err)

		_, err = f.svc.WhoAmI(ctx, orphan)
		errutil.AssertErrorCode(t, err, auth.CodeAccountNotFound)
	})
}

func TestService_ChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("old password stops working and new one works", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "correct-horse"))

		_, err = f.svc.Login(ctx, "alice", "password123")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)

		_, err = f.svc.Login(ctx, "alice", "correct-horse")
		require.NoError(t, err)
	})

	t.Run("outstanding tokens remain valid without a denylist", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "correct-horse"))

		_, err = f.svc.WhoAmI(ctx, pair.AccessToken)
		require.NoError(t, err)
		_, err = f.svc.Refresh(ctx, pair.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("wrong old password", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		err = f.svc.ChangePassword(ctx, pair.AccessToken, "wrong-password", "correct-horse")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("old password is checked before new password strength", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		err = f.svc.ChangePassword(ctx, pair.AccessToken, "wrong-password", "short")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	})

	t.Run("weak new password", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		err = f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "short")
		errutil.AssertErrorCode(t, err, auth.CodeWeakPassword)

		_, err = f.svc.Login(ctx, "alice", "password123")
		require.NoError(t, err)
	})

	t.Run("refresh token cannot change a password", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		err = f.svc.ChangePassword(ctx, pair.RefreshToken, "password123", "correct-horse")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("legacy bcrypt digest is replaced by argon2id", func(t *testing.T) {
		f := newFixture(t)
		legacy, err := auth.NewAccount("oldtimer", bcryptDigest(t, "password123"))
		require.NoError(t, err)
		require.NoError(t, f.repo.Create(ctx, legacy))

		before := testutil.ToFloat64(auth.LegacyDigestLogins)
		pair, err := f.svc.Login(ctx, "oldtimer", "password123")
		require.NoError(t, err)
		assert.InDelta(t, before+1, testutil.ToFloat64(auth.LegacyDigestLogins), 0)

		require.NoError(t, f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "password456"))

		stored, err := f.repo.GetByID(ctx, legacy.ID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))

		before = testutil.ToFloat64(auth.LegacyDigestLogins)
		_, err = f.svc.Login(ctx, "oldtimer", "password456")
		require.NoError(t, err)
		assert.InDelta(t, before, testutil.ToFloat64(auth.LegacyDigestLogins), 0, "argon2id digests are not counted")
	})

	t.Run("denylist revokes the presented access token", func(t *testing.T) {
		f := newFixture(t, auth.WithDenylist(newMemDenylist()))
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "correct-horse"))

		_, err = f.svc.WhoAmI(ctx, pair.AccessToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})
}

func TestService_ChangePassword_LogsRevocationFailure(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	denylist := mocks.NewMockDenylist(t)
	denylist.On("Enabled").Return(true)
	denylist.On("IsRevoked", mock.Anything, mock.Anything).Return(false, nil)
	denylist.On("Revoke", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis unavailable"))

	f := newFixture(t, auth.WithLogger(logger), auth.WithDenylist(denylist))
	pair, err := f.svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)
	buf.Reset()

	require.NoError(t, f.svc.ChangePassword(ctx, pair.AccessToken, "password123", "correct-horse"))

	line, _, _ := strings.Cut(buf.String(), "\n")
	var entry struct {
		Level     string `json:"level"`
		Msg       string `json:"msg"`
		Operation string `json:"operation"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Contains(t, entry.Msg, "best-effort")
	assert.Equal(t, "revoke_access", entry.Operation)
	assert.Contains(t, entry.Error, "redis unavailable")
}

func TestService_Authenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the subject without touching the repository", func(t *testing.T) {
		repo := mocks.NewMockAccountRepository(t)
		svc, codec := newMockedService(t, repo, mocks.NewMockPasswordHasher(t))
		subject := ulid.Make()
		token, err := codec.Encode(subject, auth.TokenKindAccess, time.Minute)
		require.NoError(t, err)

		got, err := svc.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, subject, got)
	})

	t.Run("refresh token is rejected", func(t *testing.T) {
		svc, codec := newMockedService(t, mocks.NewMockAccountRepository(t), mocks.NewMockPasswordHasher(t))
		token, err := codec.Encode(ulid.Make(), auth.TokenKindRefresh, time.Hour)
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, token)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("denylist outage is a fault", func(t *testing.T) {
		denylist := mocks.NewMockDenylist(t)
		denylist.On("IsRevoked", mock.Anything, mock.Anything).Return(false, errors.New("redis unavailable"))
		svc, codec := newMockedService(t, mocks.NewMockAccountRepository(t), mocks.NewMockPasswordHasher(t), auth.WithDenylist(denylist))
		token, err := codec.Encode(ulid.Make(), auth.TokenKindAccess, time.Minute)
		require.NoError(t, err)

		_, err = svc.Authenticate(ctx, token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_DENYLIST_UNAVAILABLE")
	})
}

func TestService_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op without a denylist", func(t *testing.T) {
		f := newFixture(t)
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

		_, err = f.svc.WhoAmI(ctx, pair.AccessToken)
		require.NoError(t, err)
	})

	t.Run("revokes both tokens with a denylist", func(t *testing.T) {
		f := newFixture(t, auth.WithDenylist(newMemDenylist()))
		pair, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

		_, err = f.svc.WhoAmI(ctx, pair.AccessToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
		_, err = f.svc.Refresh(ctx, pair.RefreshToken)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("ignores a refresh token belonging to someone else", func(t *testing.T) {
		f := newFixture(t, auth.WithDenylist(newMemDenylist()))
		alice, err := f.svc.Register(ctx, "alice", "password123")
		require.NoError(t, err)
		bob, err := f.svc.Register(ctx, "bob", "password123")
		require.NoError(t, err)

		require.NoError(t, f.svc.Logout(ctx, alice.AccessToken, bob.RefreshToken))

		_, err = f.svc.Refresh(ctx, bob.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("requires a valid access token", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.Logout(ctx, "garbage", "")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})
}

func TestService_RecordsOperationMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	success := auth.Operations.WithLabelValues("register", auth.StatusSuccess)
	rejected := auth.Operations.WithLabelValues("register", auth.StatusRejected)
	beforeSuccess := testutil.ToFloat64(success)
	beforeRejected := testutil.ToFloat64(rejected)

	_, err := f.svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "alice", "password123")
	require.Error(t, err)

	assert.InDelta(t, beforeSuccess+1, testutil.ToFloat64(success), 0)
	assert.InDelta(t, beforeRejected+1, testutil.ToFloat64(rejected), 0)
}
