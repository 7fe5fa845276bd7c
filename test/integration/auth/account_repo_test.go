// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

//go:build integration

package auth_test

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/geommo/geommo/internal/auth"
	authpg "github.com/geommo/geommo/internal/auth/postgres"
	"github.com/geommo/geommo/internal/store"
)

var _ = Describe("AccountRepository", func() {
	var repo *authpg.AccountRepository

	BeforeEach(func() {
		truncateAccounts()
		repo = authpg.NewAccountRepository(env.pool)
	})

	newAccount := func(username string) *auth.Account {
		account, err := auth.NewAccount(username, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5")
		Expect(err).NotTo(HaveOccurred())
		return account
	}

	Describe("Create and lookup", func() {
		It("round-trips an account by id and by username", func() {
			account := newAccount("alice")
			Expect(repo.Create(env.ctx, account)).To(Succeed())

			byID, err := repo.GetByID(env.ctx, account.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(byID.ID).To(Equal(account.ID))
			Expect(byID.Username).To(Equal("alice"))
			Expect(byID.PasswordHash).To(Equal(account.PasswordHash))
			Expect(byID.CreatedAt).To(BeTemporally("~", account.CreatedAt, time.Millisecond))

			byName, err := repo.GetByUsername(env.ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(byName.ID).To(Equal(account.ID))
		})

		It("stores the longest allowed username", func() {
			account := newAccount(strings.Repeat("x", 255))
			Expect(repo.Create(env.ctx, account)).To(Succeed())
		})

		It("treats usernames as case-sensitive", func() {
			Expect(repo.Create(env.ctx, newAccount("alice"))).To(Succeed())
			Expect(repo.Create(env.ctx, newAccount("Alice"))).To(Succeed())

			_, err := repo.GetByUsername(env.ctx, "ALICE")
			Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
		})

		It("rejects a duplicate username", func() {
			Expect(repo.Create(env.ctx, newAccount("alice"))).To(Succeed())

			err := repo.Create(env.ctx, newAccount("alice"))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, auth.ErrDuplicateUsername)).To(BeTrue())
		})

		It("reports a missing account as not found", func() {
			_, err := repo.GetByID(env.ctx, ulid.Make())
			Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())

			_, err = repo.GetByUsername(env.ctx, "nobody")
			Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("UpdatePasswordHash", func() {
		It("replaces the digest and bumps updated_at", func() {
			account := newAccount("alice")
			Expect(repo.Create(env.ctx, account)).To(Succeed())

			Expect(repo.UpdatePasswordHash(env.ctx, account.ID, "$argon2id$new")).To(Succeed())

			got, err := repo.GetByID(env.ctx, account.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PasswordHash).To(Equal("$argon2id$new"))
			Expect(got.UpdatedAt).To(BeTemporally(">=", got.CreatedAt))
		})

		It("reports a missing account as not found", func() {
			err := repo.UpdatePasswordHash(env.ctx, ulid.Make(), "$argon2id$new")
			Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
		})
	})
})

var _ = Describe("Migrator", func() {
	It("has nothing pending after setup", func() {
		migrator, err := store.NewMigrator(env.connStr)
		Expect(err).NotTo(HaveOccurred())
		defer migrator.Close()

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(dirty).To(BeFalse())
		versions, err := store.Versions()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(versions[len(versions)-1]))

		pending, err := migrator.Pending()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("treats a repeated up as a no-op", func() {
		migrator, err := store.NewMigrator(env.connStr)
		Expect(err).NotTo(HaveOccurred())
		defer migrator.Close()

		Expect(migrator.Up()).To(Succeed())
	})
})
