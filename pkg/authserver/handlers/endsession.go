// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
)

// EndSessionHandler serves GET /end-session (OIDC RP-initiated logout).
// Session teardown is delegated to the SessionEnder collaborator; without
// one the handler only performs the post-logout redirect. The redirect is
// honored only when the URI is registered to the client named by
// client_id, so the endpoint cannot be used as an open redirector.
func (h *Handler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := h.postLogoutRedirect(r, q.Get("client_id"), q.Get("post_logout_redirect_uri"))

	if h.sessions != nil {
		h.sessions.EndSession(w, r, redirectURI)
		return
	}

	if redirectURI != "" {
		http.Redirect(w, r, redirectURI, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postLogoutRedirect(r *http.Request, clientID, redirectURI string) string {
	if clientID == "" || redirectURI == "" {
		return ""
	}
	client, err := h.clients.GetClient(r.Context(), clientID)
	if err != nil || !client.AllowsPostLogoutRedirectURI(redirectURI) {
		return ""
	}
	return redirectURI
}
