// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"

	"github.com/geommo/geommo/pkg/errutil"
)

// Repository sentinels. Implementations wrap these so callers can match with errors.Is.
var (
	// ErrNotFound is returned when a requested account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUsername is returned when an insert collides with an existing username.
	ErrDuplicateUsername = errors.New("duplicate username")
)

// Error codes returned by Service.
const (
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeUsernameTaken      = "AUTH_USERNAME_TAKEN"
	CodeWeakPassword       = "AUTH_WEAK_PASSWORD"
	CodeInvalidUsername    = "AUTH_INVALID_USERNAME"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeAccountNotFound    = "AUTH_ACCOUNT_NOT_FOUND"
	CodeUnauthorized       = "AUTH_UNAUTHORIZED"
)

// Error codes returned by TokenCodec.
const (
	CodeTokenMalformed    = "TOKEN_MALFORMED"
	CodeTokenBadSignature = "TOKEN_BAD_SIGNATURE"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeTokenWrongKind    = "TOKEN_WRONG_KIND"
)

// invalidCredentialsMessage is shared by every login failure so callers cannot
// tell an unknown username from a wrong password.
const invalidCredentialsMessage = "incorrect username or password"

// ErrInvalidCredentials creates an error for a failed credential check.
func ErrInvalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf(invalidCredentialsMessage)
}

// ErrUsernameTaken creates an error for a registration that collided with an existing account.
func ErrUsernameTaken(username string) error {
	return oops.Code(CodeUsernameTaken).
		With("username", username).
		Errorf("username already registered")
}

// ErrWeakPassword creates an error for a password below the configured minimum length.
func ErrWeakPassword(minLength int) error {
	return oops.Code(CodeWeakPassword).
		With("min_length", minLength).
		Errorf("password must be at least %d characters", minLength)
}

// ErrInvalidToken creates an error for a token that cannot be used for the requested operation.
// The underlying cause is recorded as context rather than wrapped, so the error keeps its own code.
func ErrInvalidToken(cause error) error {
	b := oops.Code(CodeInvalidToken)
	if cause != nil {
		b = b.With("cause", cause.Error())
	}
	return b.Errorf("could not validate credentials")
}

// ErrAccountNotFound creates an error for a token whose subject no longer resolves.
func ErrAccountNotFound(id string) error {
	return oops.Code(CodeAccountNotFound).
		With("account_id", id).
		Errorf("account not found")
}

var classifiedCodes = map[string]struct{}{
	CodeInvalidCredentials: {},
	CodeUsernameTaken:      {},
	CodeWeakPassword:       {},
	CodeInvalidUsername:    {},
	CodeInvalidToken:       {},
	CodeAccountNotFound:    {},
	CodeUnauthorized:       {},
	CodeTokenMalformed:     {},
	CodeTokenBadSignature:  {},
	CodeTokenExpired:       {},
	CodeTokenWrongKind:     {},
}

// isClassified reports whether err is an expected, caller-facing outcome rather than a fault.
func isClassified(err error) bool {
	_, ok := classifiedCodes[errutil.Code(err)]
	return ok
}

// IsCode reports whether err carries the given oops code.
func IsCode(err error, code string) bool {
	return err != nil && errutil.Code(err) == code
}
