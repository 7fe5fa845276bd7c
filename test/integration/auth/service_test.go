// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

//go:build integration

package auth_test

import (
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/geommo/geommo/internal/auth"
	authpg "github.com/geommo/geommo/internal/auth/postgres"
)

var _ = Describe("Service backed by PostgreSQL", func() {
	var service *auth.Service

	BeforeEach(func() {
		truncateAccounts()

		hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{Memory: 1024, Time: 1, Threads: 1})
		Expect(err).NotTo(HaveOccurred())
		codec, err := auth.NewTokenCodec([]byte(strings.Repeat("k", 32)), "HS256")
		Expect(err).NotTo(HaveOccurred())
		issuer, err := auth.NewTokenIssuer(codec, auth.DefaultAccessTTL, auth.DefaultRefreshTTL)
		Expect(err).NotTo(HaveOccurred())

		service, err = auth.NewService(authpg.NewAccountRepository(env.pool), hasher, issuer)
		Expect(err).NotTo(HaveOccurred())
	})

	It("registers, logs in and changes the password", func() {
		pair, err := service.Register(env.ctx, "alice", "correct-horse")
		Expect(err).NotTo(HaveOccurred())

		me, err := service.WhoAmI(env.ctx, pair.AccessToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(me.Username).To(Equal("alice"))

		Expect(service.ChangePassword(env.ctx, pair.AccessToken, "correct-horse", "battery-staple")).To(Succeed())

		_, err = service.Login(env.ctx, "alice", "correct-horse")
		Expect(auth.IsCode(err, auth.CodeInvalidCredentials)).To(BeTrue())

		_, err = service.Login(env.ctx, "alice", "battery-staple")
		Expect(err).NotTo(HaveOccurred())
	})

	It("lets exactly one concurrent registration of a username succeed", func() {
		const attempts = 8

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			ok     int
			taken  int
			others []error
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				_, err := service.Register(env.ctx, "contested", "correct-horse")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case auth.IsCode(err, auth.CodeUsernameTaken):
					taken++
				default:
					others = append(others, err)
				}
			}()
		}
		wg.Wait()

		Expect(others).To(BeEmpty())
		Expect(ok).To(Equal(1))
		Expect(taken).To(Equal(attempts - 1))
	})
})
