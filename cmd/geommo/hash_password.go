// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/geommo/geommo/internal/auth"
)

// NewHashPasswordCmd creates the hash-password subcommand.
func NewHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin",
		Long: `Read one password line from stdin and print its argon2id digest using
the configured work factor, for seeding accounts directly in the database.`,
		Args: cobra.NoArgs,
		RunE: runHashPassword,
	}
}

func runHashPassword(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return oops.Code("HASH_INPUT_FAILED").Errorf("no password on stdin")
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return oops.Code("HASH_INPUT_FAILED").Errorf("password cannot be empty")
	}

	hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Memory:  cfg.Auth.Hash.MemoryKiB,
		Time:    cfg.Auth.Hash.Time,
		Threads: cfg.Auth.Hash.Threads,
	})
	if err != nil {
		return err
	}
	digest, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), digest)
	return err
}
