// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP layer for the authorization server:
// authorize (GET/POST), token, userinfo, discovery, JWKS and end-session
// endpoints. Handlers adapt HTTP to the protocol engine; every protocol
// decision lives in the authorize and token packages.
package handlers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcd/pkg/authserver/authorize"
	"github.com/stacklok/oidcd/pkg/authserver/bearer"
	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// Endpoint paths served by Routes.
const (
	PathAuthorize  = "/authorize"
	PathToken      = "/token"
	PathUserInfo   = "/userinfo"
	PathJWKS       = "/.well-known/jwks.json"
	PathDiscovery  = "/.well-known/openid-configuration"
	PathEndSession = "/end-session"
)

// Authenticator is the login collaborator: it owns session state and the
// login UI.
type Authenticator interface {
	// IsAuthenticated reports whether the request carries an
	// authenticated session.
	IsAuthenticated(r *http.Request) bool

	// CurrentUser resolves the authenticated user for the request.
	CurrentUser(r *http.Request) (*storage.User, error)

	// RedirectToLogin sends the user to the login page, preserving
	// returnTo for replay after login.
	RedirectToLogin(w http.ResponseWriter, r *http.Request, returnTo string)
}

// UserFinder resolves users by ID for bearer-token calls, where no session
// exists to ask the Authenticator.
type UserFinder interface {
	FindUser(ctx context.Context, userID string) (*storage.User, error)
}

// ConsentPage carries everything the consent UI needs to render a prompt.
type ConsentPage struct {
	Client *storage.Client

	// Scopes is the display-filtered scope list (openid removed).
	Scopes []string

	// HiddenFields must be replayed as hidden inputs, plus an "allow"
	// field for the decision, POSTed back to the authorize endpoint.
	HiddenFields url.Values
}

// ConsentRenderer is the templating collaborator for the consent prompt
// and the direct error page.
type ConsentRenderer interface {
	RenderConsent(w http.ResponseWriter, r *http.Request, page *ConsentPage) error
	RenderError(w http.ResponseWriter, errorCode, description string) error
}

// SessionEnder is the optional logout collaborator.
type SessionEnder interface {
	EndSession(w http.ResponseWriter, r *http.Request, postLogoutRedirectURI string)
}

// AfterLoginHook runs after the user is known to be authenticated and the
// request validated. Returning true means the hook wrote the response and
// the flow stops.
type AfterLoginHook func(w http.ResponseWriter, r *http.Request, user *storage.User, client *storage.Client) bool

// Handler serves the provider endpoints.
type Handler struct {
	issuer string

	clients  storage.ClientStore
	flow     *authorize.Flow
	tokens   *token.Endpoint
	bearer   *bearer.Validator
	keys     keys.KeyProvider
	resolver *claims.Resolver

	auth       Authenticator
	users      UserFinder
	consent    ConsentRenderer
	sessions   SessionEnder
	afterLogin AfterLoginHook
}

// HandlerConfig wires a Handler's collaborators.
type HandlerConfig struct {
	Issuer   string
	Clients  storage.ClientStore
	Flow     *authorize.Flow
	Tokens   *token.Endpoint
	Bearer   *bearer.Validator
	Keys     keys.KeyProvider
	Resolver *claims.Resolver

	Authenticator Authenticator
	Users         UserFinder
	Consent       ConsentRenderer
	Sessions      SessionEnder
	AfterLogin    AfterLoginHook
}

// NewHandler creates a Handler. Consent falls back to the built-in
// template renderer when nil.
func NewHandler(cfg HandlerConfig) *Handler {
	consent := cfg.Consent
	if consent == nil {
		consent = NewTemplateRenderer()
	}
	return &Handler{
		issuer:     cfg.Issuer,
		clients:    cfg.Clients,
		flow:       cfg.Flow,
		tokens:     cfg.Tokens,
		bearer:     cfg.Bearer,
		keys:       cfg.Keys,
		resolver:   cfg.Resolver,
		auth:       cfg.Authenticator,
		users:      cfg.Users,
		consent:    consent,
		sessions:   cfg.Sessions,
		afterLogin: cfg.AfterLogin,
	}
}

// Routes returns a router with all provider endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the provider endpoints on an existing router.
func (h *Handler) Register(r chi.Router) {
	r.Get(PathAuthorize, h.AuthorizeHandler)
	r.Post(PathAuthorize, h.AuthorizeDecisionHandler)
	r.Post(PathToken, h.TokenHandler)
	r.Get(PathUserInfo, h.UserInfoHandler)
	r.Post(PathUserInfo, h.UserInfoHandler)
	r.Get(PathJWKS, h.JWKSHandler)
	r.Get(PathDiscovery, h.DiscoveryHandler)
	r.Get(PathEndSession, h.EndSessionHandler)
}
