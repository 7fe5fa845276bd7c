// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

// Package memory provides an in-process account repository for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/geommo/geommo/internal/auth"
)

// AccountRepository keeps accounts in mutex-guarded maps. Contents are lost on exit.
type AccountRepository struct {
	mu         sync.RWMutex
	byID       map[ulid.ULID]*auth.Account
	byUsername map[string]ulid.ULID
	now        func() time.Time
}

// NewAccountRepository creates an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:       make(map[ulid.ULID]*auth.Account),
		byUsername: make(map[string]ulid.ULID),
		now:        time.Now,
	}
}

// Create stores a new account. The username check and insert happen under one lock.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byUsername[account.Username]; taken {
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("username", account.Username).
			Wrap(auth.ErrDuplicateUsername)
	}

	stored := *account
	r.byID[account.ID] = &stored
	r.byUsername[account.Username] = account.ID
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("ACCOUNT_QUERY_FAILED").Wrap(err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	found := *account
	return &found, nil
}

// GetByUsername retrieves an account by exact username.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code("ACCOUNT_QUERY_FAILED").Wrap(err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[username]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("username", username).Wrap(auth.ErrNotFound)
	}
	found := *r.byID[id]
	return &found, nil
}

// UpdatePasswordHash replaces the password digest and bumps UpdatedAt.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = r.now().UTC()
	return nil
}

// Len returns the number of stored accounts.
func (r *AccountRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
