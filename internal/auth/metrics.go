// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status label values for auth metrics.
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Operations is the counter for auth service operations.
// Use RegisterMetrics to register this with a Prometheus registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geommo_auth_operations_total",
		Help: "Total number of auth service operations",
	},
	[]string{"operation", "status"},
)

// TokenVerifications is the counter for token verification attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var TokenVerifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geommo_token_verifications_total",
		Help: "Total number of bearer token verifications",
	},
	[]string{"kind", "status"},
)

// LegacyDigestLogins counts successful logins against a digest that
// NeedsUpgrade reports as outdated. It falls to zero once every such account
// has changed its password.
var LegacyDigestLogins = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "geommo_auth_legacy_digest_logins_total",
		Help: "Total number of successful logins verified against a legacy password digest",
	},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
	reg.MustRegister(TokenVerifications)
	reg.MustRegister(LegacyDigestLogins)
}

// statusOf maps an operation result to a metric status label.
// Classified failures are "rejected"; anything else is "error".
func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case isClassified(err):
		return StatusRejected
	default:
		return StatusError
	}
}

func recordOperation(operation string, err error) {
	Operations.WithLabelValues(operation, statusOf(err)).Inc()
}

func recordVerification(kind TokenKind, err error) {
	TokenVerifications.WithLabelValues(string(kind), statusOf(err)).Inc()
}
