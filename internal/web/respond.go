// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/samber/oops"

	"github.com/geommo/geommo/internal/auth"
	"github.com/geommo/geommo/pkg/errutil"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 1 << 20

const (
	detailInternal         = "internal server error"
	detailNotAuthenticated = "not authenticated"
	detailBadCredentials   = "could not validate credentials"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeDetail(w, http.StatusUnauthorized, detail)
}

// writeError maps a service error to a response. Unclassified errors are
// logged and reported as 500.
func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	switch errutil.Code(err) {
	case auth.CodeWeakPassword, auth.CodeUsernameTaken, auth.CodeInvalidUsername:
		writeDetail(w, http.StatusBadRequest, err.Error())
	case auth.CodeInvalidCredentials, auth.CodeInvalidToken:
		writeUnauthorized(w, err.Error())
	case auth.CodeAccountNotFound:
		writeUnauthorized(w, detailBadCredentials)
	case codeBadRequest:
		writeDetail(w, http.StatusBadRequest, err.Error())
	case codeBodyTooLarge:
		writeDetail(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		errutil.LogError(ctx, logger, "request failed", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
	}
}

const (
	codeBadRequest   = "HTTP_BAD_REQUEST"
	codeBodyTooLarge = "HTTP_BODY_TOO_LARGE"
)

// decodeJSON reads exactly one JSON object into dst. With allowEmpty an
// absent body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			if allowEmpty {
				return nil
			}
			return oops.Code(codeBadRequest).Errorf("request body is required")
		case errors.As(err, &maxErr):
			return oops.Code(codeBodyTooLarge).Errorf("request body must not exceed %d bytes", MaxBodyBytes)
		default:
			return oops.Code(codeBadRequest).With("cause", err.Error()).Errorf("request body is not valid JSON: %s", err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return oops.Code(codeBadRequest).Errorf("request body must contain a single JSON object")
	}
	return nil
}
