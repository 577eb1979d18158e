// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
)

// TokenHandler serves POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := h.tokens.ParseRequest(ctx, r)
	if err != nil {
		h.writeTokenError(w, r, err)
		return
	}

	resp, err := h.tokens.Exchange(ctx, req)
	if err != nil {
		var replayErr *oauthproto.ReplayError
		if errors.As(err, &replayErr) {
			slog.WarnContext(ctx, "authorization code replay detected", "client_id", req.Client.ID)
		}
		h.writeTokenError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeTokenError renders a token endpoint failure as the RFC 6749 JSON
// error body. A 401 after HTTP basic authentication carries the matching
// WWW-Authenticate challenge.
func (h *Handler) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	tokenErr := asTokenError(err)
	if tokenErr.HTTPStatus() == http.StatusUnauthorized {
		if _, _, usedBasic := r.BasicAuth(); usedBasic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
	}
	writeJSON(w, tokenErr.HTTPStatus(), tokenErr)
}

func asTokenError(err error) *oauthproto.TokenError {
	var replayErr *oauthproto.ReplayError
	if errors.As(err, &replayErr) {
		return &replayErr.TokenError
	}
	var tokenErr *oauthproto.TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr
	}
	slog.Error("token request failed", "error", err)
	return oauthproto.NewTokenError(oauthproto.ErrorServerError, "internal error")
}

// writeJSON renders a token endpoint body with the caching headers RFC 6749
// Section 5.1 requires for responses carrying credentials.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("writing response body failed", "error", err)
	}
}
