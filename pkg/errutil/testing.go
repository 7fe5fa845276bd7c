// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package errutil

import (
	"errors"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireOops(t *testing.T, err error) oops.OopsError {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	return oopsErr
}

// AssertErrorCode asserts that err is an oops error whose deepest code is code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	requireOops(t, err)
	assert.Equal(t, code, Code(err))
}

// AssertErrorContext asserts that err carries key=value in its merged oops context.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	ctx := requireOops(t, err).Context()
	assert.Contains(t, ctx, key)
	assert.Equal(t, value, ctx[key])
}

// AssertNoErrorContext asserts that none of keys appear in err's context.
// Use it to check that credentials never ride along into logs.
func AssertNoErrorContext(t *testing.T, err error, keys ...string) {
	t.Helper()
	ctx := requireOops(t, err).Context()
	for _, key := range keys {
		assert.NotContains(t, ctx, key)
	}
}

// AssertPublicError asserts code and the exact message a client would see.
func AssertPublicError(t *testing.T, err error, code, message string) {
	t.Helper()
	AssertErrorCode(t, err, code)
	assert.Equal(t, message, err.Error())
}

// AssertErrorIs asserts code and that target is in err's chain, for
// repository errors that wrap a sentinel.
func AssertErrorIs(t *testing.T, err, target error, code string) {
	t.Helper()
	AssertErrorCode(t, err, code)
	assert.True(t, errors.Is(err, target), "expected %v in chain of %v", target, err)
}
