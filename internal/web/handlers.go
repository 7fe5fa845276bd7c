// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"github.com/geommo/geommo/internal/auth"
)

// AuthService is the account and token surface the handlers drive.
// *auth.Service satisfies it.
type AuthService interface {
	Guard
	Register(ctx context.Context, username, password string) (*auth.TokenPair, error)
	Login(ctx context.Context, username, password string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	WhoAmI(ctx context.Context, accessToken string) (*auth.PublicAccount, error)
	ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) error
	Logout(ctx context.Context, accessToken, refreshToken string) error
	AccessTTL() time.Duration
}

// Handler serves the /auth endpoints.
type Handler struct {
	service  AuthService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler creates a Handler. A nil logger means slog.Default().
func NewHandler(service AuthService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{service: service, logger: logger, validate: v}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=255"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type accountResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) tokens(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int64(h.service.AccessTTL() / time.Second),
	}
}

func (h *Handler) writeTokens(w http.ResponseWriter, status int, pair *auth.TokenPair) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, h.tokens(pair))
}

// bind decodes and validates a request body.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst, false); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return oops.Code(codeBadRequest).Errorf("%s", describe(verrs[0]))
		}
		return oops.Code(codeBadRequest).Wrap(err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	pair, err := h.service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	h.writeTokens(w, http.StatusCreated, pair)
}

// login answers every credential problem, including blank fields, with the
// same 401 so the response never reveals which part was wrong.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeUnauthorized(w, auth.ErrInvalidCredentials().Error())
		return
	}
	pair, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	h.writeTokens(w, http.StatusOK, pair)
}

// refresh accepts the token in a JSON body or, for older clients, as the
// refresh_token query parameter.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	token := req.RefreshToken
	if token == "" {
		token = r.URL.Query().Get("refresh_token")
	}
	if token == "" {
		writeDetail(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	h.writeTokens(w, http.StatusOK, pair)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	token, _ := AccessTokenFromContext(r.Context())
	account, err := h.service.WhoAmI(r.Context(), token)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:        account.ID.String(),
		Username:  account.Username,
		CreatedAt: account.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	token, _ := AccessTokenFromContext(r.Context())
	if err := h.service.ChangePassword(r.Context(), token, req.OldPassword, req.NewPassword); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	token, _ := AccessTokenFromContext(r.Context())
	if err := h.service.Logout(r.Context(), token, req.RefreshToken); err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
