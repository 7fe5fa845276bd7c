// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints, counted in characters.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 255
)

// DefaultMinPasswordLength is the shortest password Register and ChangePassword accept.
const DefaultMinPasswordLength = 8

// Account is a username/password identity. PasswordHash never leaves the process.
type Account struct {
	ID           ulid.ULID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicAccount is the subset of Account that may be shown to its owner.
type PublicAccount struct {
	ID        ulid.ULID
	Username  string
	CreatedAt time.Time
}

// Public returns the outward-facing fields of the account.
func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:        a.ID,
		Username:  a.Username,
		CreatedAt: a.CreatedAt,
	}
}

// NewAccount creates an Account with a fresh ULID after validating its fields.
func NewAccount(username, passwordHash string) (*Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if strings.TrimSpace(passwordHash) == "" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("password hash cannot be empty")
	}

	now := time.Now().UTC()
	return &Account{
		ID:           ulid.Make(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateUsername checks a username against the length rules and rejects
// invalid UTF-8 and control characters. Usernames are case-sensitive and
// otherwise unrestricted.
func ValidateUsername(username string) error {
	if !utf8.ValidString(username) {
		return oops.Code(CodeInvalidUsername).Errorf("username must be valid UTF-8")
	}
	if strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return oops.Code(CodeInvalidUsername).Errorf("username must not contain control characters")
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLength {
		return oops.Code(CodeInvalidUsername).
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if n > MaxUsernameLength {
		return oops.Code(CodeInvalidUsername).
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	return nil
}

// AccountRepository manages account persistence.
type AccountRepository interface {
	// Create stores a new account in one atomic insert.
	// Returns an error wrapping ErrDuplicateUsername if the username is taken.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	// Returns an error wrapping ErrNotFound if no account has the given ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByUsername retrieves an account by exact username.
	// Returns an error wrapping ErrNotFound if no account has the given username.
	GetByUsername(ctx context.Context, username string) (*Account, error)

	// UpdatePasswordHash replaces the password digest and bumps UpdatedAt.
	// Returns an error wrapping ErrNotFound if no account has the given ID.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error
}
