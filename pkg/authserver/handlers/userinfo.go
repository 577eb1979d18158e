// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stacklok/oidcd/pkg/authserver/bearer"
	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// UserInfoHandler serves GET/POST /userinfo. The bearer token must carry
// the openid scope; claims beyond sub are released per the token's granted
// scopes.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := bearer.FromRequest(r)
	if err != nil {
		writeBearerError(w, http.StatusUnauthorized, "invalid_request", "no bearer token provided")
		return
	}

	tokenClaims, err := h.bearer.Validate(ctx, raw)
	if err != nil {
		writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token validation failed")
		return
	}

	if !tokenClaims.HasScope(claims.ScopeOpenID) {
		writeBearerError(w, http.StatusForbidden, "insufficient_scope", "openid scope is required")
		return
	}

	user, err := h.users.FindUser(ctx, tokenClaims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token subject is unknown")
			return
		}
		slog.ErrorContext(ctx, "resolving userinfo subject failed", "error", err)
		writeBearerError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	body := map[string]any{"sub": user.ID}
	for k, v := range h.resolver.Resolve(user, tokenClaims.Scopes) {
		body[k] = v
	}

	writeJSON(w, http.StatusOK, body)
}

// writeBearerError renders an RFC 6750 protected-resource error with the
// WWW-Authenticate challenge.
func writeBearerError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer error="%s", error_description="%s"`, code, description))
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
