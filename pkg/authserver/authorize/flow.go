// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// FlowConfig carries the policy knobs for the authorize flow.
type FlowConfig struct {
	// CodeLifespan bounds authorization code validity.
	CodeLifespan time.Duration

	// ConsentLifespan bounds how long a recorded consent is honored.
	// Zero means consents never expire.
	ConsentLifespan time.Duration

	// SkipConsentAlways issues immediately for every validated request
	// without consulting the ledger.
	SkipConsentAlways bool

	// SkipConsentIfGranted issues immediately when the ledger holds a
	// matching unexpired consent covering the requested scopes.
	SkipConsentIfGranted bool
}

// Response is the terminal result of a successful authorization: the
// redirect back to the client, plus the issued artifacts for logging and
// tests.
type Response struct {
	// RedirectURI is the complete redirect target, parameters already
	// attached to the query or fragment per the response_type rule.
	RedirectURI string

	Code        string
	AccessToken string
	IDToken     string
}

// Flow orchestrates consent policy and response issuance for validated
// authorization requests.
type Flow struct {
	store  storage.Storage
	issuer *token.Issuer
	config FlowConfig
}

// NewFlow creates an authorize flow over the given collaborators.
func NewFlow(store storage.Storage, issuer *token.Issuer, config FlowConfig) *Flow {
	return &Flow{store: store, issuer: issuer, config: config}
}

// NeedsReauth reports whether the authenticated user must re-authenticate
// before this request can proceed: either the client demanded it with
// prompt=login, or max_age has elapsed since the last authentication.
func (*Flow) NeedsReauth(req *Request, user *storage.User) bool {
	if req.HasPrompt(PromptLogin) {
		return true
	}
	if req.MaxAgeSet && !user.LastAuthenticatedAt.IsZero() {
		return time.Since(user.LastAuthenticatedAt) > req.MaxAge
	}
	return false
}

// SkipConsent decides whether issuance may proceed without a consent
// prompt, in order: the skip-always policy, the client's own skip flag,
// then the ledger when skip-if-granted is enabled. prompt=consent forces
// the prompt regardless.
func (f *Flow) SkipConsent(ctx context.Context, req *Request, user *storage.User) (bool, error) {
	if req.HasPrompt(PromptConsent) {
		return false, nil
	}
	if f.config.SkipConsentAlways {
		return true, nil
	}
	if req.Client.SkipConsent {
		return true, nil
	}
	if !f.config.SkipConsentIfGranted {
		return false, nil
	}

	consent, err := f.store.GetConsent(ctx, user.ID, req.Client.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up consent: %w", err)
	}
	return consent.Covers(req.Scopes), nil
}

// SaveConsent records the user's approval in the ledger. The write is
// synchronous; the caller redirects only after it returns.
func (f *Flow) SaveConsent(ctx context.Context, req *Request, user *storage.User) error {
	now := time.Now()
	consent := &storage.Consent{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ClientID:  req.Client.ID,
		Scopes:    req.Scopes,
		GrantedAt: now,
	}
	if f.config.ConsentLifespan > 0 {
		consent.ExpiresAt = now.Add(f.config.ConsentLifespan)
	}

	if err := f.store.SaveConsent(ctx, consent); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// Deny builds the access_denied redirect for a refused consent prompt.
func (*Flow) Deny(req *Request) *oauthproto.AuthorizeError {
	return req.RedirectableError(oauthproto.ErrorAccessDenied, "the user denied the request")
}

// Issue produces the authorization response for an approved request: an
// authorization code, access token and/or ID token per the response_type,
// delivered in the query component for the plain code flow and in the
// fragment otherwise. All persistence completes before the redirect URI is
// returned.
func (f *Flow) Issue(ctx context.Context, req *Request, user *storage.User) (*Response, error) {
	authTime := user.LastAuthenticatedAt
	if authTime.IsZero() {
		authTime = time.Now()
	}

	resp := &Response{}
	params := url.Values{}

	if req.ResponseType.Code {
		code, err := f.mintCode(ctx, req, user, authTime)
		if err != nil {
			return nil, err
		}
		resp.Code = code
		params.Set("code", code)
	}

	if req.ResponseType.Token {
		accessToken, err := f.issuer.SignAccessToken(ctx, user, req.Client.ID, req.Scopes)
		if err != nil {
			slog.Error("failed to sign access token", "error", err)
			return nil, req.RedirectableError(oauthproto.ErrorServerError, "failed to issue access token")
		}
		resp.AccessToken = accessToken
		params.Set("access_token", accessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(f.issuer.AccessTokenLifespan().Seconds()), 10))
		params.Set("scope", strings.Join(req.Scopes, " "))
	}

	if req.ResponseType.IDToken && req.IsOIDC() {
		idToken, err := f.issuer.SignIDToken(ctx, token.IDTokenParams{
			User:        user,
			ClientID:    req.Client.ID,
			Scopes:      req.Scopes,
			Nonce:       req.Nonce,
			AuthTime:    authTime,
			AccessToken: resp.AccessToken,
			Code:        resp.Code,
		})
		if err != nil {
			slog.Error("failed to sign ID token", "error", err)
			return nil, req.RedirectableError(oauthproto.ErrorServerError, "failed to issue ID token")
		}
		resp.IDToken = idToken
		params.Set("id_token", idToken)
	}

	if req.State != "" {
		params.Set("state", req.State)
	}

	redirect, err := buildRedirectURI(req.RedirectURI, params, req.ResponseType.UsesFragment())
	if err != nil {
		return nil, req.RedirectableError(oauthproto.ErrorServerError, "failed to build redirect URI")
	}
	resp.RedirectURI = redirect

	slog.Info("authorization issued",
		"client_id", req.Client.ID,
		"response_type", req.ResponseType.String(),
		"oidc", req.IsOIDC(),
	)
	return resp, nil
}

func (f *Flow) mintCode(ctx context.Context, req *Request, user *storage.User, authTime time.Time) (string, error) {
	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                rand.Text(),
		ClientID:            req.Client.ID,
		UserID:              user.ID,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.config.CodeLifespan),
	}

	if err := f.store.SaveAuthorizationCode(ctx, code); err != nil {
		slog.Error("failed to save authorization code", "error", err)
		return "", req.RedirectableError(oauthproto.ErrorServerError, "failed to persist authorization code")
	}
	return code.Code, nil
}

// buildRedirectURI attaches params to the base URI: query component for the
// plain code flow, fragment for anything delivering tokens.
func buildRedirectURI(base string, params url.Values, useFragment bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	if useFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode(), nil
	}

	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Set(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
