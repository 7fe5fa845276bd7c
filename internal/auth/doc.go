// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

// Package auth provides account authentication and bearer token handling for GeoMMO.
//
// # Domain Types
//
// Accounts should be created with NewAccount, which validates the username,
// requires a password digest and assigns a fresh ULID. Repository
// implementations receive pre-validated accounts from this constructor.
//
// # Tokens
//
// TokenCodec signs and verifies HMAC JWTs carrying a subject, a kind
// (access or refresh), issue and expiry times and a unique token id.
// TokenIssuer mints an access/refresh pair for an account.
//
// # Services
//
// Service coordinates registration, login, refresh, identity lookup and
// password changes. It never touches net/http: every failure is an oops
// error carrying one of the codes declared in errors.go, which the web
// layer translates into status codes.
package auth
