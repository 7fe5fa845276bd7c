// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

// Package web exposes the account and token operations over HTTP/JSON and
// provides the bearer-token middleware that protects game endpoints.
//
// Error bodies are {"detail": "..."}. Credential and token failures are 401
// with a WWW-Authenticate: Bearer challenge; infrastructure faults are 500
// and their cause is logged, never echoed to the client.
package web
