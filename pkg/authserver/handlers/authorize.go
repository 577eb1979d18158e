// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/oidcd/pkg/authserver/authorize"
	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// AuthorizeHandler serves GET /authorize: validate the request, make sure
// the user is logged in, and either issue immediately or render the
// consent prompt.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := authorize.ParseRequest(ctx, r.URL.Query(), h.clients)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	if !h.auth.IsAuthenticated(r) {
		if req.HasPrompt(authorize.PromptNone) {
			h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorLoginRequired, "user is not authenticated"))
			return
		}
		h.auth.RedirectToLogin(w, r, r.URL.RequestURI())
		return
	}

	user, err := h.auth.CurrentUser(r)
	if err != nil {
		slog.ErrorContext(ctx, "resolving authenticated user failed", "error", err)
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorServerError, "could not resolve user"))
		return
	}

	if h.afterLogin != nil && h.afterLogin(w, r, user, req.Client) {
		return
	}

	if h.flow.NeedsReauth(req, user) {
		if req.HasPrompt(authorize.PromptNone) {
			h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorLoginRequired, "re-authentication is required"))
			return
		}
		h.auth.RedirectToLogin(w, r, r.URL.RequestURI())
		return
	}

	skip, err := h.flow.SkipConsent(ctx, req, user)
	if err != nil {
		slog.ErrorContext(ctx, "consent lookup failed", "client_id", req.Client.ID, "error", err)
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorServerError, "consent lookup failed"))
		return
	}
	if skip {
		h.issueAndRedirect(w, r, req, user)
		return
	}

	if req.HasPrompt(authorize.PromptNone) {
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorConsentRequired, "consent has not been granted"))
		return
	}

	h.renderConsent(w, r, req)
}

// AuthorizeDecisionHandler serves POST /authorize: the consent form
// submission. The original request parameters come back as hidden fields
// and are re-validated from scratch.
func (h *Handler) AuthorizeDecisionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.renderDirectError(w, oauthproto.ErrorInvalidRequest, "malformed form body")
		return
	}

	req, err := authorize.ParseRequest(ctx, r.PostForm, h.clients)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	if !h.auth.IsAuthenticated(r) {
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorLoginRequired, "session expired"))
		return
	}
	user, err := h.auth.CurrentUser(r)
	if err != nil {
		slog.ErrorContext(ctx, "resolving authenticated user failed", "error", err)
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorServerError, "could not resolve user"))
		return
	}

	if r.PostFormValue("allow") == "" {
		h.redirectError(w, r, h.flow.Deny(req))
		return
	}

	if err := h.flow.SaveConsent(ctx, req, user); err != nil {
		slog.ErrorContext(ctx, "saving consent failed", "client_id", req.Client.ID, "error", err)
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorServerError, "could not record consent"))
		return
	}

	h.issueAndRedirect(w, r, req, user)
}

func (h *Handler) issueAndRedirect(w http.ResponseWriter, r *http.Request, req *authorize.Request, user *storage.User) {
	resp, err := h.flow.Issue(r.Context(), req, user)
	if err != nil {
		slog.ErrorContext(r.Context(), "issuing authorization response failed",
			"client_id", req.Client.ID, "response_type", req.ResponseType.String(), "error", err)
		h.redirectError(w, r, req.RedirectableError(oauthproto.ErrorServerError, "could not issue response"))
		return
	}
	http.Redirect(w, r, resp.RedirectURI, http.StatusFound)
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, req *authorize.Request) {
	page := &ConsentPage{
		Client:       req.Client,
		Scopes:       req.DisplayScopes(),
		HiddenFields: req.HiddenFields(),
	}
	if err := h.consent.RenderConsent(w, r, page); err != nil {
		slog.ErrorContext(r.Context(), "rendering consent page failed", "client_id", req.Client.ID, "error", err)
	}
}

// writeAuthorizeError dispatches a validation failure to the right
// delivery channel: pre-redirect failures render directly, everything else
// redirects back to the client.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *oauthproto.RequestError
	if errors.As(err, &reqErr) {
		h.renderDirectError(w, reqErr.Code, reqErr.Description)
		return
	}

	var authErr *oauthproto.AuthorizeError
	if errors.As(err, &authErr) {
		h.redirectError(w, r, authErr)
		return
	}

	slog.ErrorContext(r.Context(), "authorize request failed", "error", err)
	h.renderDirectError(w, oauthproto.ErrorServerError, "internal error")
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, err *oauthproto.AuthorizeError) {
	http.Redirect(w, r, err.RedirectTo(), http.StatusFound)
}

func (h *Handler) renderDirectError(w http.ResponseWriter, code, description string) {
	if err := h.consent.RenderError(w, code, description); err != nil {
		slog.Error("rendering error page failed", "error", err)
	}
}
