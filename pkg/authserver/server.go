// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcd/pkg/authserver/authorize"
	"github.com/stacklok/oidcd/pkg/authserver/bearer"
	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/handlers"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// Host collaborator contracts, defined next to the HTTP layer that calls
// them.
type (
	Authenticator   = handlers.Authenticator
	UserFinder      = handlers.UserFinder
	ConsentRenderer = handlers.ConsentRenderer
	ConsentPage     = handlers.ConsentPage
	SessionEnder    = handlers.SessionEnder
	AfterLoginHook  = handlers.AfterLoginHook
)

// Options carries the host-supplied collaborators for New.
type Options struct {
	// Storage persists clients, codes, consents, refresh tokens and
	// signing keys. Required.
	Storage storage.Storage

	// Keys signs tokens and publishes the JWK set. Required.
	Keys keys.KeyProvider

	// Authenticator owns login sessions. Required.
	Authenticator Authenticator

	// Users resolves token subjects for userinfo. Required.
	Users UserFinder

	// Consent renders the consent prompt and direct error pages.
	// Defaults to the built-in template renderer.
	Consent ConsentRenderer

	// Sessions handles RP-initiated logout. Optional.
	Sessions SessionEnder

	// AfterLogin runs once the user is authenticated and the request
	// validated, before consent. Optional.
	AfterLogin AfterLoginHook

	// ExtraClaims extends the standard scope-gated claims. Optional.
	ExtraClaims claims.ExtraClaimsFunc
}

// Server is an assembled provider. It exposes its HTTP surface via
// Handler or Register and its internals for hosts that need them.
type Server struct {
	config   Config
	store    storage.Storage
	keys     keys.KeyProvider
	resolver *claims.Resolver
	issuer   *token.Issuer
	flow     *authorize.Flow
	tokens   *token.Endpoint
	bearer   *bearer.Validator
	handler  *handlers.Handler
}

// New assembles a Server from configuration and collaborators.
func New(cfg Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if opts.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if opts.Users == nil {
		return nil, fmt.Errorf("user finder is required")
	}
	cfg = cfg.withDefaults()

	resolver := &claims.Resolver{Extra: opts.ExtraClaims}
	issuer := token.NewIssuer(cfg.Issuer, opts.Keys, resolver, cfg.AccessTokenLifespan, cfg.IDTokenLifespan)
	flow := authorize.NewFlow(opts.Storage, issuer, authorize.FlowConfig{
		CodeLifespan:         cfg.CodeLifespan,
		ConsentLifespan:      cfg.ConsentLifespan,
		SkipConsentAlways:    cfg.SkipConsentAlways,
		SkipConsentIfGranted: cfg.SkipConsentIfGranted,
	})
	tokens := token.NewEndpoint(opts.Storage, issuer, cfg.RefreshTokenLifespan)
	validator := bearer.NewValidator(opts.Keys, cfg.Issuer)

	handler := handlers.NewHandler(handlers.HandlerConfig{
		Issuer:        cfg.Issuer,
		Clients:       opts.Storage,
		Flow:          flow,
		Tokens:        tokens,
		Bearer:        validator,
		Keys:          opts.Keys,
		Resolver:      resolver,
		Authenticator: opts.Authenticator,
		Users:         opts.Users,
		Consent:       opts.Consent,
		Sessions:      opts.Sessions,
		AfterLogin:    opts.AfterLogin,
	})

	return &Server{
		config:   cfg,
		store:    opts.Storage,
		keys:     opts.Keys,
		resolver: resolver,
		issuer:   issuer,
		flow:     flow,
		tokens:   tokens,
		bearer:   validator,
		handler:  handler,
	}, nil
}

// Handler returns the provider's HTTP surface on its own router.
func (s *Server) Handler() http.Handler {
	return s.handler.Routes()
}

// Register mounts the provider endpoints on the host's router.
func (s *Server) Register(r chi.Router) {
	s.handler.Register(r)
}

// Storage exposes the backing store, e.g. for client provisioning.
func (s *Server) Storage() storage.Storage {
	return s.store
}

// BearerValidator exposes the access token validator so hosts can protect
// their own resources with tokens this server issued.
func (s *Server) BearerValidator() *bearer.Validator {
	return s.bearer
}
