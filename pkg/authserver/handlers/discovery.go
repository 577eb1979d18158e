// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// DiscoveryDocument is the OIDC discovery metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// DiscoveryHandler serves the OIDC discovery document.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	doc := DiscoveryDocument{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.issuer + PathAuthorize,
		TokenEndpoint:         h.issuer + PathToken,
		UserInfoEndpoint:      h.issuer + PathUserInfo,
		JWKSURI:               h.issuer + PathJWKS,
		EndSessionEndpoint:    h.issuer + PathEndSession,
		ResponseTypesSupported: []string{
			"code",
			"id_token",
			"id_token token",
			"code token",
			"code id_token",
			"code id_token token",
		},
		GrantTypesSupported: []string{
			token.GrantTypeAuthorizationCode,
			token.GrantTypeRefreshToken,
			"implicit",
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(r),
		ScopesSupported: []string{
			claims.ScopeOpenID,
			claims.ScopeProfile,
			claims.ScopeEmail,
			claims.ScopeAddress,
			claims.ScopePhone,
		},
		TokenEndpointAuthMethods:      []string{"client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported: []string{crypto.PKCEMethodS256, crypto.PKCEMethodPlain},
		ClaimsSupported: []string{
			"sub", "name", "given_name", "family_name", "nickname",
			"preferred_username", "profile", "picture", "website", "gender",
			"birthdate", "zoneinfo", "locale", "updated_at",
			"email", "email_verified",
			"address",
			"phone_number", "phone_number_verified",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("writing discovery document failed", "error", err)
	}
}

// signingAlgorithms lists the distinct algorithms across published keys,
// falling back to the default when no key is available yet.
func (h *Handler) signingAlgorithms(r *http.Request) []string {
	published, err := h.keys.PublicKeys(r.Context())
	if err != nil || len(published) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	var algs []string
	for _, k := range published {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	slices.SortFunc(algs, strings.Compare)
	return algs
}

// JWKSHandler serves the public signing keys as a JWK set. CORS is open so
// browser-based clients can verify tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := keys.PublicJWKS(r.Context(), h.keys)
	if err != nil {
		slog.ErrorContext(r.Context(), "building JWKS failed", "error", err)
		http.Error(w, "could not build key set", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		slog.Error("writing JWKS failed", "error", err)
	}
}
